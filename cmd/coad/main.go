// coad — RFC 5176 CoA/Disconnect front-end for bngd.
//
// Listens for RADIUS Change-of-Authorization and Disconnect-Message
// requests on UDP :3799 and forwards each to the session engine over its
// Unix IPC socket. The engine's verdict comes back as ACK or NAK.
//
// Environment variables:
//
//	RADIUS_SECRET    — shared secret with the AAA server (default: "testing123")
//	COA_LISTEN_ADDR  — UDP address to listen on (default: ":3799")
//	COA_IPC_SOCKET   — path to the bngd IPC socket (default: "/tmp/coad.sock")
package main

import (
	"fmt"
	"os"

	"layeh.com/radius"

	"github.com/ossbng/bngd/internal/logging"
)

func main() {
	secret := envOrDefault("RADIUS_SECRET", "testing123")
	listenAddr := envOrDefault("COA_LISTEN_ADDR", ":3799")
	ipcSocket := envOrDefault("COA_IPC_SOCKET", "/tmp/coad.sock")

	logger := logging.Setup(envOrDefault("LOG_LEVEL", "info"), os.Stdout)
	logger.Info("coad starting", "listen", listenAddr, "ipc", ipcSocket)

	server := radius.PacketServer{
		Addr:         listenAddr,
		Network:      "udp",
		SecretSource: radius.StaticSecretSource([]byte(secret)),
		Handler:      newHandler(ipcSocket, logger),
	}

	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
