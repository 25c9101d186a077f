// Command converse is a terminal voice client: it captures the
// microphone, streams it to a voicelink server, plays the model's audio
// back, and prints the live transcript. Type a line and press enter to
// send a text turn instead of speaking.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"voicelink/config"
	"voicelink/conversation"
	"voicelink/device"
	"voicelink/transcript"
	"voicelink/wire"
)

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	origin := flag.String("origin", cfg.ServerOrigin, "server origin, e.g. http://localhost:8080")
	voice := flag.String("voice", cfg.Voice, "model voice name")
	language := flag.String("language", cfg.Language, "BCP-47 language code, e.g. en-US")
	flag.Parse()

	deviceCtx, err := device.NewContext()
	if err != nil {
		log.Fatalf("Failed to initialize audio: %v", err)
	}
	defer deviceCtx.Close()

	handle := conversation.NewHandle(deviceCtx, nil)

	sessionConfig := wire.SessionConfig{
		Provider:        cfg.Provider,
		Voice:           *voice,
		Language:        *language,
		SystemPrompt:    cfg.SystemPrompt,
		AffectiveDialog: cfg.AffectiveDialog,
		ProactiveAudio:  cfg.ProactiveAudio,
		GoogleSearch:    cfg.GoogleSearch,
	}

	if err := handle.Start(*origin, sessionConfig); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer handle.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go readStdin(handle)

	for {
		select {
		case <-sigChan:
			fmt.Println("\nHanging up...")
			return
		case update := <-handle.Updates():
			printUpdate(update)
			if update.Kind == conversation.UpdateState &&
				(update.State == conversation.StateIdle || update.State == conversation.StateError) {
				return
			}
		}
	}
}

func readStdin(handle *conversation.Handle) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handle.SendText(line); err != nil {
			log.Printf("⚠️ %v", err)
		}
	}
}

func printUpdate(update conversation.Update) {
	switch update.Kind {
	case conversation.UpdateState:
		switch update.State {
		case conversation.StateConnecting:
			fmt.Println("… connecting")
		case conversation.StateListening:
			fmt.Println("🎤 listening (speak, or type a message)")
		case conversation.StateIdle:
			fmt.Println("👋 conversation ended")
		case conversation.StateError:
			fmt.Printf("❌ %s\n", update.Message)
		}
	case conversation.UpdateEntryFinalized:
		fmt.Printf("%s %s\n", rolePrefix(update.Entry.Role), update.Entry.Text)
	}
}

func rolePrefix(role transcript.Role) string {
	switch role {
	case transcript.RoleCaller:
		return "you:"
	case transcript.RoleModel:
		return "model:"
	case transcript.RoleTool:
		return "tool:"
	default:
		return string(role) + ":"
	}
}
