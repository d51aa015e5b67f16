package server

import (
	"net"

	"github.com/sccached/sccached/internal/wire"
)

// writeStartupNotify dials the Unix-domain socket named by path and writes
// a single framed ServerStartup message, per spec.md §6. The client side
// (whatever spawned this daemon) is expected to be listening already; a
// dial failure just means nobody's listening for the notification, which
// isn't itself an error worth failing startup over.
func writeStartupNotify(path string, ok bool, port int, reason string) error {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return err
	}
	defer nc.Close()

	msg := wire.ServerStartup{Kind: wire.StartupOk, Port: port}
	if !ok {
		msg.Kind = wire.StartupErr
		msg.Reason = reason
	}
	conn := wire.NewConn(nc, wire.DefaultMaxFrameLength)
	return conn.WriteMessage(msg)
}
