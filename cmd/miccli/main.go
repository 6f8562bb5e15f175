// Command miccli is an optional local-microphone demo client: it captures
// duplex audio via malgo the same way a local voice-agent CLI would,
// but instead of driving an in-process orchestrator it streams PCM frames
// to a running relay over the wire protocol in pkg/wsproto and plays back
// whatever synthesized audio comes back.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-relay/pkg/wsproto"
)

const (
	sampleRate = 16000
	channels   = 1
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	relayURL := os.Getenv("RELAY_URL")
	if relayURL == "" {
		relayURL = "ws://localhost:8080"
	}
	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = "demo-session"
	}
	token := os.Getenv("RELAY_TOKEN")
	if token == "" {
		log.Fatal("Error: RELAY_TOKEN must be set.")
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		log.Fatalf("bad RELAY_URL: %v", err)
	}
	u.Path = "/stream/" + sessionID
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		log.Fatalf("dial relay: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	fmt.Println("Connected to relay. Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	jitter := newJitterBuffer(1, 8)

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			if err := wsproto.WritePCM(ctx, conn, pInput); err != nil {
				return
			}
		}
		if pOutput != nil {
			jitter.Read(pOutput)
		}
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	go readLoop(ctx, conn, jitter)

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	go func() {
		for range heartbeat.C {
			_ = wsproto.WriteJSON(ctx, conn, map[string]string{"type": wsproto.TypeHeartbeat})
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
	_ = wsproto.WriteJSON(ctx, conn, map[string]string{"type": wsproto.TypeLeave})
}

func readLoop(ctx context.Context, conn *websocket.Conn, jitter *jitterBuffer) {
	for {
		msgType, payload, err := wsproto.ReadInbound(ctx, conn)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			jitter.Push(payload)
		case websocket.MessageText:
			var env wsproto.InboundEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				continue
			}
			switch env.Type {
			case wsproto.TypeTranslation:
				var t wsproto.Translation
				json.Unmarshal(payload, &t)
				fmt.Printf("\r\033[K[%s -> %s] %s\n", t.SourceLang, t.TargetLang, t.TranslatedText)
			case wsproto.TypeParticipantJoined:
				var p wsproto.ParticipantEvent
				json.Unmarshal(payload, &p)
				fmt.Printf("\r\033[K[JOINED] %s\n", p.UserID)
			case wsproto.TypeParticipantLeft:
				var p wsproto.ParticipantEvent
				json.Unmarshal(payload, &p)
				fmt.Printf("\r\033[K[LEFT] %s\n", p.UserID)
			case wsproto.TypeError:
				var e wsproto.ErrorMessage
				json.Unmarshal(payload, &e)
				fmt.Printf("\r\033[K[ERROR] %s\n", e.Message)
			}
		}
	}
}
