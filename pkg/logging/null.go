package logging

import "context"

// NullLogger discards everything logged to it. Useful as a default for components
// whose logging is opt-in.
type NullLogger struct{}

func (n NullLogger) WithContext(_ context.Context) Logger           { return n }
func (n NullLogger) WithField(_ string, _ interface{}) Logger       { return n }
func (n NullLogger) WithFields(_ Fields) Logger                     { return n }
func (n NullLogger) WithError(_ error) Logger                       { return n }
func (NullLogger) Trace(...interface{})                             {}
func (NullLogger) Debug(...interface{})                             {}
func (NullLogger) Info(...interface{})                              {}
func (NullLogger) Warn(...interface{})                              {}
func (NullLogger) Error(...interface{})                             {}
func (NullLogger) Fatal(...interface{})                             {}
func (NullLogger) Panic(...interface{})                             {}
func (NullLogger) Tracef(string, ...interface{})                    {}
func (NullLogger) Debugf(string, ...interface{})                    {}
func (NullLogger) Infof(string, ...interface{})                     {}
func (NullLogger) Warnf(string, ...interface{})                     {}
func (NullLogger) Errorf(string, ...interface{})                    {}
func (NullLogger) Fatalf(string, ...interface{})                    {}
func (NullLogger) Panicf(string, ...interface{})                    {}
func (NullLogger) IsTracing() bool                                  { return false }
func (NullLogger) IsDebugging() bool                                { return false }
