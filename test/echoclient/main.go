// echoclient talks to a service of the engine through the kernel's own TCP
// stack. Run the server with -echo and point this at one of its services.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	serverAddr := flag.String("server", "192.168.0.2:80", "service address behind the tun device")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	count := flag.Int("count", 10, "number of messages to send, 0 for no limit")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	conn, err := net.DialTimeout("tcp4", *serverAddr, 5*time.Second)
	if err != nil {
		log.Fatalf("Error connecting: %v", err)
	}
	defer conn.Close()
	log.Infof("Echo client connected to %s, sending at %v interval", *serverAddr, *packetInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

	buffer := make([]byte, 1500)
	successCount, failureCount := 0, 0
loop:
	for packetCount := 1; *count == 0 || packetCount <= *count; packetCount++ {
		select {
		case <-ctx.Done():
			log.Infof("Interrupted")
			break loop
		case <-ticker.C:
		}

		// the engine advertises a small window, keep messages short
		message := fmt.Sprintf("echo %d", packetCount)
		if _, err := conn.Write([]byte(message)); err != nil {
			log.Errorf("[%d] Error writing: %v", packetCount, err)
			failureCount++
			break loop
		}

		conn.SetReadDeadline(time.Now().Add(*packetInterval + 100*time.Millisecond))
		got := make([]byte, 0, len(message))
		for len(got) < len(message) {
			n, err := conn.Read(buffer)
			if err != nil {
				break
			}
			got = append(got, buffer[:n]...)
		}
		if string(got) != message {
			log.Warnf("[%d] Expected %q, got %q", packetCount, message, got)
			failureCount++
			continue
		}
		log.Debugf("[%d] Received: %s", packetCount, got)
		successCount++
	}

	log.Infof("Messages echoed: %d, failed: %d", successCount, failureCount)
	if failureCount > 0 {
		os.Exit(1)
	}
}
