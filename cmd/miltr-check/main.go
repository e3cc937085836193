// Command miltr-check sends a test message through one or more milters and
// prints their verdicts and modification requests.
//
// The message is read from stdin. Multiple milters (comma-separated addresses)
// are checked concurrently, each over its own connection.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/sync/errgroup"

	"github.com/girstenbrei/miltr"
	"github.com/girstenbrei/miltr/addr"
)

func formatAction(act *miltr.Action) string {
	switch act.Type {
	case miltr.ActionAccept:
		return "accept"
	case miltr.ActionReject:
		return "reject"
	case miltr.ActionDiscard:
		return "discard"
	case miltr.ActionTempFail:
		return "temp. fail"
	case miltr.ActionRejectWithCode:
		return fmt.Sprintf("reply code: %d %s", act.SMTPCode, act.SMTPReply)
	case miltr.ActionContinue:
		return "continue"
	case miltr.ActionSkip:
		return "skip"
	default:
		return act.String()
	}
}

type check struct {
	transport, address string
	hostname           string
	family             miltr.ProtoFamily
	port               uint16
	connAddr           string
	helo               string
	mailFrom           string
	rcptTo             []string
	hdr                textproto.Header
	body               []byte
	client             *miltr.Client
}

func (c *check) run(logf func(format string, v ...interface{})) error {
	conn, err := net.Dial(c.transport, c.address)
	if err != nil {
		return err
	}
	s, err := c.client.Open(conn, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	act, err := s.Conn(c.hostname, c.family, c.port, c.connAddr)
	if err != nil {
		return err
	}
	logf("CONNECT: %s", formatAction(act))
	if act.StopProcessing() {
		return nil
	}

	if act, err = s.Helo(c.helo); err != nil {
		return err
	}
	logf("HELO: %s", formatAction(act))
	if act.StopProcessing() {
		return nil
	}

	if act, err = s.Mail(c.mailFrom, ""); err != nil {
		return err
	}
	logf("MAIL: %s", formatAction(act))
	if act.StopProcessing() {
		return nil
	}

	for _, rcpt := range c.rcptTo {
		a := addr.Address{Addr: rcpt}
		if act, err = s.Rcpt(a.Local()+"@"+a.AsciiDomain(), ""); err != nil {
			return err
		}
		logf("RCPT %s: %s", rcpt, formatAction(act))
		if act.Type == miltr.ActionDiscard || act.Type == miltr.ActionAccept {
			return nil
		}
	}

	if act, err = s.DataStart(); err != nil {
		return err
	}
	logf("DATA: %s", formatAction(act))
	if act.StopProcessing() {
		return nil
	}

	if act, err = s.Header(c.hdr); err != nil {
		return err
	}
	logf("HEADERS: %s", formatAction(act))
	if act.StopProcessing() {
		return nil
	}

	mr, act, err := s.BodyReadFrom(strings.NewReader(string(c.body)))
	if err != nil {
		return err
	}
	if act != nil {
		logf("BODY: %s", formatAction(act))
		return nil
	}
	for _, mod := range mr.Modifications() {
		logf("MODIFICATION: %s", mod)
	}
	logf("END OF MESSAGE: %s", formatAction(mr.FinalAction()))
	return nil
}

func main() {
	transport := flag.String("transport", "unix", "Transport to use for milter connection, one of 'tcp', 'unix', 'tcp4' or 'tcp6'")
	address := flag.String("address", "", "Comma-separated list of transport addresses, path for 'unix', address:port for 'tcp'")
	hostname := flag.String("hostname", "localhost", "Value to send in CONNECT message")
	family := flag.String("family", string(miltr.FamilyInet), "Protocol family to send in CONNECT message")
	port := flag.Uint("port", 2525, "Port to send in CONNECT message")
	connAddr := flag.String("conn-addr", "127.0.0.1", "Connection address to send in CONNECT message")
	helo := flag.String("helo", "localhost", "Value to send in HELO message")
	mailFrom := flag.String("from", "sender@example.org", "Value to send in MAIL message")
	rcptTo := flag.String("rcpt", "rcpt@example.com", "Comma-separated list of values for RCPT messages")
	actionMask := flag.Uint("actions", uint(miltr.AllClientSupportedActionMasks), "Bitmask value of actions we allow")
	disabledMsgs := flag.Uint("disabled-msgs", 0, "Bitmask of disabled protocol messages")
	flag.Parse()

	br := bufio.NewReader(os.Stdin)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		log.Fatalf("failed to read message header from stdin: %v", err)
	}
	var body strings.Builder
	if _, err := br.WriteTo(&body); err != nil {
		log.Fatalf("failed to read message body from stdin: %v", err)
	}

	client := miltr.NewClient(
		miltr.WithActions(miltr.OptAction(*actionMask)),
		miltr.WithProtocols(miltr.OptProtocol(*disabledMsgs)),
	)

	var group errgroup.Group
	for _, oneAddress := range strings.Split(*address, ",") {
		c := &check{
			transport: *transport,
			address:   oneAddress,
			hostname:  *hostname,
			family:    miltr.ProtoFamily((*family)[0]),
			port:      uint16(*port),
			connAddr:  *connAddr,
			helo:      *helo,
			mailFrom:  *mailFrom,
			rcptTo:    strings.Split(*rcptTo, ","),
			hdr:       hdr,
			body:      []byte(body.String()),
			client:    client,
		}
		group.Go(func() error {
			return c.run(func(format string, v ...interface{}) {
				log.Printf("[%s] %s", c.address, fmt.Sprintf(format, v...))
			})
		})
	}
	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}
