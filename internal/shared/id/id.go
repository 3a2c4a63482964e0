// Package id names runtime objects.
//
// Names are prefixed ULIDs ("ec_01J9..."): the prefix tells the object kind in
// logs and debug output, the ULID sorts by creation time. Names generated by
// one generator are strictly increasing even within the same millisecond.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Name identifies a runtime object for humans and debug tooling. It never
// appears in the capability protocol.
type Name string

func (n Name) String() string { return string(n) }

// Prefix returns the kind prefix of the name.
func (n Name) Prefix() string {
	p, _, _ := strings.Cut(string(n), "_")
	return p
}

// Kind prefixes.
const (
	EcPrefix        = "ec"
	ScPrefix        = "sc"
	PtPrefix        = "pt"
	SmPrefix        = "sm"
	PdPrefix        = "pd"
	ServicePrefix   = "svc"
	DataspacePrefix = "ds"
)

// Generator generates monotonic ULIDs.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator with cryptographically secure entropy.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator reading from entropy. Useful for
// deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: ulid.Monotonic(entropy, 0)}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// Name creates a prefixed name.
func (g *Generator) Name(prefix string) Name {
	return Name(fmt.Sprintf("%s_%s", prefix, g.Generate()))
}

// New creates a prefixed name with the default generator.
func New(prefix string) Name {
	return Default().Name(prefix)
}

// Parse returns the ULID part of a name.
func Parse(n Name) (ulid.ULID, error) {
	s := string(n)
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	return ulid.Parse(s)
}

// IsValid reports whether n carries a valid ULID.
func IsValid(n Name) bool {
	_, err := Parse(n)
	return err == nil
}

// Timestamp extracts the creation time of a name.
func Timestamp(n Name) (time.Time, error) {
	u, err := Parse(n)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
