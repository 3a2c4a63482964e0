// Package portal runs services: one local thread and one portal per CPU, so
// calls from different CPUs never queue behind a single handler.
//
// A handler receives the request in its thread's top frame and answers in the
// same frame. Replies start with an errs.Code word; a handler that returns an
// error instead replies with just that code. Mux dispatches on a leading
// opcode word, Client picks the portal of the calling thread's CPU and checks
// the reply code.
//
// Example:
//
//	mux := portal.NewMux()
//	mux.Handle(OpPing, func(_ abi.Word, f *utcb.Frame) error {
//	    return portal.Reply(f)
//	})
//	svc, err := portal.NewService(env, "echo", mux.Serve)
//	...
//	client := portal.NewClient(env, "echo", svc.Portals())
//	err = client.Call(func(f *utcb.Frame) error { return f.PutWord(OpPing) }, nil)
package portal
