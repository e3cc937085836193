package main

import (
	"log"

	"github.com/girstenbrei/miltr"
)

// LogMilter accepts everything and logs every event it sees.
type LogMilter struct {
	miltr.NoOpMilter
}

func (l *LogMilter) NewConnection(m miltr.Modifier) error {
	log.Printf("[%d] new connection (version %d, actions %q, protocol %q)", m.MilterId(), m.Version(), m.Actions(), m.Protocol())
	return nil
}

func (l *LogMilter) Connect(host string, family string, port uint16, addr string, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] connect: host=%q family=%q port=%d addr=%q", m.MilterId(), host, family, port, addr)
	return miltr.RespContinue, nil
}

func (l *LogMilter) Helo(name string, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] helo: %q", m.MilterId(), name)
	return miltr.RespContinue, nil
}

func (l *LogMilter) MailFrom(from string, esmtpArgs string, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] mail from: %q args %q", m.MilterId(), from, esmtpArgs)
	return miltr.RespContinue, nil
}

func (l *LogMilter) RcptTo(rcptTo string, esmtpArgs string, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] rcpt to: %q args %q", m.MilterId(), rcptTo, esmtpArgs)
	return miltr.RespContinue, nil
}

func (l *LogMilter) Data(m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] data (queue id %q)", m.MilterId(), m.Get(miltr.MacroQueueId))
	return miltr.RespContinue, nil
}

func (l *LogMilter) Header(name string, value string, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] header: %s: %s", m.MilterId(), name, value)
	return miltr.RespContinue, nil
}

func (l *LogMilter) Headers(m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] end of headers", m.MilterId())
	return miltr.RespContinue, nil
}

func (l *LogMilter) BodyChunk(chunk []byte, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] body chunk of %d bytes", m.MilterId(), len(chunk))
	return miltr.RespContinue, nil
}

func (l *LogMilter) EndOfMessage(m miltr.Modifier) (*miltr.ModificationResponse, error) {
	log.Printf("[%d] end of message", m.MilterId())
	builder := miltr.NewModificationResponse()
	if hdr, err := miltr.AddHeader("X-Log-Milter", "seen"); err == nil {
		builder.Push(hdr)
	}
	return builder.Accept(), nil
}

func (l *LogMilter) Unknown(cmd string, m miltr.Modifier) (*miltr.Response, error) {
	log.Printf("[%d] unknown command: %q", m.MilterId(), cmd)
	return miltr.RespContinue, nil
}

func (l *LogMilter) Macro(stage miltr.MacroStage, macros map[miltr.MacroName]string) {
	log.Printf("macros for stage %d: %v", stage, macros)
}

func (l *LogMilter) Abort(m miltr.Modifier) error {
	log.Printf("[%d] abort", m.MilterId())
	return nil
}

func (l *LogMilter) Quit(m miltr.Modifier) {
	log.Printf("[%d] quit", m.MilterId())
}

func (l *LogMilter) Cleanup(m miltr.Modifier) {
	log.Printf("[%d] cleanup", m.MilterId())
}
