// Package logging builds the runtime's structured logger on uber/zap.
//
// Production mode writes JSON, development mode writes colored console
// output. Components receive a named child logger:
//
//	log, err := logging.New(logging.Config{Level: "debug"})
//	if err != nil {
//		return err
//	}
//	rcuLog := log.Component("rcu", -1)
//	svcLog := log.Component("portal.echo", cpu)
//
// The level is shared by every derived logger and can be changed while the
// runtime is running (the debug server exposes it).
package logging
