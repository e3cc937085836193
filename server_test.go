package miltr

import (
	"testing"
)

func assertPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	f()
}

func TestNewServerValidation(t *testing.T) {
	assertPanic(t, "missing milter", func() {
		NewServer()
	})
	assertPanic(t, "bad version", func() {
		NewServer(WithMilter(func() Milter { return &NoOpMilter{} }), WithMaximumVersion(1))
	})
	assertPanic(t, "client only option", func() {
		NewServer(WithMilter(func() Milter { return &NoOpMilter{} }), WithOfferedMaxData(DataSize256K))
	})
}

func TestNewServerMacroRequestImpliesSetMacros(t *testing.T) {
	srv := NewServer(
		WithMilter(func() Milter { return &NoOpMilter{} }),
		WithMacroRequest(StageConnect, []MacroName{MacroMTAFQDN}),
	)
	if srv.options.actions&OptSetMacros == 0 {
		t.Error("WithMacroRequest did not set OptSetMacros")
	}
}

func TestNewClientValidation(t *testing.T) {
	assertPanic(t, "bad version", func() {
		NewClient(WithMaximumVersion(1))
	})
	assertPanic(t, "bad data size", func() {
		NewClient(WithOfferedMaxData(DataSize(123)))
	})
	assertPanic(t, "server only option", func() {
		NewClient(WithMilter(func() Milter { return &NoOpMilter{} }))
	})
	assertPanic(t, "protocol not available in version", func() {
		NewClient(WithMaximumVersion(2), WithProtocols(OptSkip))
	})
}

func TestNoOpMilterDefaults(t *testing.T) {
	var m Milter = NoOpMilter{}
	mod := &modifier{macros: NewMacroBag(), version: 6, protocol: OptSkip}

	if resp, err := m.Connect("h", "tcp4", 25, "127.0.0.1", mod); err != nil || resp != RespContinue {
		t.Errorf("Connect() = %v, %v", resp, err)
	}
	if resp, err := m.RcptTo("a@b", "", mod); err != nil || resp != RespSkip {
		t.Errorf("RcptTo() with OptSkip = %v, %v", resp, err)
	}
	mr, err := m.EndOfMessage(mod)
	if err != nil || mr.FinalAction().Type != ActionAccept || len(mr.Modifications()) != 0 {
		t.Errorf("EndOfMessage() = %v, %v", mr, err)
	}
}
