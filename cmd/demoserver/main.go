// Command demoserver starts the demo reputation backend for local
// end-to-end runs.
// Usage: go run ./cmd/demoserver [port]
// Default port: 9999
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/Rneeshka/Aegis/internal/demoserver"
	"github.com/Rneeshka/Aegis/internal/logging"
)

func main() {
	cfg := demoserver.DefaultConfig()
	cfg.APIKey = os.Getenv("AEGIS_DEMO_API_KEY")

	// Optional: custom port from command line
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	fmt.Println("===========================================")
	fmt.Println("   Aegis Demo Backend")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("Scripted reputation backend for local runs.")
	fmt.Println("URLs or hashes containing a threat marker")
	fmt.Println("(malware, phishing, eicar, trojan) come back")
	fmt.Println("unsafe; everything else comes back safe.")
	fmt.Println()
	fmt.Printf("REST:      http://localhost:%d/check/url\n", cfg.Port)
	fmt.Printf("Channel:   ws://localhost:%d/ws\n", cfg.Port)
	fmt.Printf("Health:    http://localhost:%d/health\n", cfg.Port)
	fmt.Println()

	server := demoserver.NewDemoServer(cfg, logging.NewStdoutLogger("DemoServer"))
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
