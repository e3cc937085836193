// Command log-milter is a no-op milter that logs all milter communication.
//
// It owns its own listener and accept loop; every accepted connection is
// handed to [miltr.Server.Handle] in a goroutine of its own.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/girstenbrei/miltr"
)

func main() {
	transport := flag.String("transport", "tcp", "Transport to listen on, one of 'tcp', 'unix', 'tcp4' or 'tcp6'")
	address := flag.String("address", "127.0.0.1:0", "Listen address, path for 'unix', address:port for 'tcp'")

	flag.Parse()

	if *transport == "unix" {
		// make sure the socket does not exist
		_ = os.Remove(*address)
	}
	socket, err := net.Listen(*transport, *address)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = socket.Close() }()

	if *transport == "unix" {
		if err := os.Chmod(*address, 0660); err != nil {
			log.Fatal(err)
		}
		defer func() { _ = os.Remove(*address) }()
	}

	server := miltr.NewServer(
		miltr.WithDynamicMilter(func(version uint32, action miltr.OptAction, protocol miltr.OptProtocol, maxData miltr.DataSize) miltr.Milter {
			return &LogMilter{}
		}),
		miltr.WithActions(miltr.OptAddHeader|miltr.OptChangeHeader),
	)

	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := socket.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func(conn net.Conn) {
				defer wg.Done()
				if err := server.Handle(conn); err != nil {
					log.Printf("session ended with error: %v", err)
				}
			}(conn)
		}
	}()

	log.Printf("listening on %s, %d sessions served so far", socket.Addr(), server.MilterCount())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	_ = socket.Close()
	wg.Wait()
	log.Printf("served %d milter sessions", server.MilterCount())
}
