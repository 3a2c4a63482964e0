package main

import (
	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

const (
	opPing abi.Word = iota
	opEcho
)

func echoMux() *portal.Mux {
	m := portal.NewMux()
	m.Handle(opPing, func(_ abi.Word, f *utcb.Frame) error {
		return portal.Reply(f)
	})
	m.Handle(opEcho, func(_ abi.Word, f *utcb.Frame) error {
		var msg []byte
		if err := f.Get(&msg); err != nil {
			return err
		}
		return portal.Reply(f, msg, kobj.Current().CPU())
	})
	return m
}
