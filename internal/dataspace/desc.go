package dataspace

import (
	"fmt"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

// PageSize is the granularity of every data space.
const PageSize = 4096

// Type is the closed set of data space kinds.
type Type uint8

const (
	// Anonymous memory belongs to the creator alone.
	Anonymous Type = iota
	// Shared memory can be joined by other images.
	Shared
	// Locked memory is pinned and never shared.
	Locked
	typeCount
)

func (t Type) String() string {
	switch t {
	case Anonymous:
		return "anonymous"
	case Shared:
		return "shared"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Desc describes a data space.
type Desc struct {
	Size  uint64   `json:"size"`
	Type  Type     `json:"type"`
	Perms abi.Perm `json:"perms"`
}

func (d Desc) validate(op string) (Desc, error) {
	if d.Size == 0 {
		return d, errs.Newf(op, errs.ArgsInvalid, "empty data space")
	}
	if d.Type >= typeCount {
		return d, errs.Newf(op, errs.ArgsInvalid, "unknown type %d", d.Type)
	}
	if d.Perms&abi.PermRWX == 0 || d.Perms&^abi.PermRWX != 0 {
		return d, errs.Newf(op, errs.ArgsInvalid, "bad permissions %s", d.Perms)
	}
	d.Size = (d.Size + PageSize - 1) &^ (PageSize - 1)
	return d, nil
}

func (d Desc) String() string {
	return fmt.Sprintf("%s %#x %s", d.Type, d.Size, d.Perms)
}
