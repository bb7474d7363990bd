package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/wav"
	"realtime-transcription-service/internal/wire"
)

// 100ms chunks streamed in real time.
const chunkInterval = 100 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono, 8 or 16 kHz)")
	serverAddr := flag.String("server", "ws://localhost:8080/v4/listen", "Listen endpoint")
	uid := flag.String("uid", "listen-client", "User id")
	language := flag.String("language", "en", "Language code or multi")
	multiplexed := flag.Bool("multiplexed", false, "Wrap audio in 101 frames")
	realtime := flag.Bool("realtime", true, "Pace audio at wall-clock speed")
	flag.Parse()

	data, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio file: %v", err)
	}
	pcm, sampleRate, err := wav.Decode(data)
	if err != nil {
		log.Fatalf("Failed to decode WAV: %v", err)
	}
	codec := models.CodecPCM16
	if sampleRate == 8000 {
		codec = models.CodecPCM8
	}
	log.Printf("WAV file: sampleRate=%d bytes=%d codec=%s", sampleRate, len(pcm), codec)

	u, err := url.Parse(*serverAddr)
	if err != nil {
		log.Fatalf("Bad server address: %v", err)
	}
	q := u.Query()
	q.Set("uid", *uid)
	q.Set("language", *language)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("codec", string(codec))
	q.Set("multiplexed", strconv.FormatBool(*multiplexed))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer ws.Close()
	log.Printf("Connected to %s", u.Redacted())

	done := make(chan struct{})
	go func() {
		defer close(done)
		readEvents(ws)
	}()

	chunk := models.BytesPerSecond(sampleRate) / 10
	var sent int
	start := time.Now()
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		payload := pcm[off:end]
		if *multiplexed {
			payload = wire.EncodeAudio(float64(off)/float64(models.BytesPerSecond(sampleRate)), payload)
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			log.Fatalf("Failed to send audio: %v", err)
		}
		sent++
		if *realtime {
			time.Sleep(chunkInterval)
		}
	}
	log.Printf("Finished streaming: %d chunks in %v, closing", sent, time.Since(start))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		log.Printf("Failed to send close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("Timed out waiting for the server to close")
	}
}

func readEvents(ws *websocket.Conn) {
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Printf("Closed: code=%d reason=%q", ce.Code, ce.Text)
			} else {
				log.Printf("Read ended: %v", err)
			}
			return
		}
		if typ == websocket.BinaryMessage {
			f, err := wire.Decode(data)
			if err != nil {
				log.Printf("Undecodable frame: %v", err)
				continue
			}
			if f.Type != wire.TypeSegments {
				log.Printf("Frame %s (%d bytes)", f.Type, len(f.Payload))
				continue
			}
			var payload wire.TranscriptPayload
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				log.Printf("Bad transcript payload: %v", err)
				continue
			}
			printSegments(payload.Segments)
			continue
		}
		printEvent(data)
	}
}

func printEvent(data []byte) {
	if string(data) == "ping" {
		return
	}
	var segs []models.Segment
	if err := json.Unmarshal(data, &segs); err == nil {
		printSegments(segs)
		return
	}
	var st models.ServiceStatus
	if err := json.Unmarshal(data, &st); err == nil && st.Type == "service_status" {
		fmt.Printf("status: %s %s\n", st.Status, st.StatusText)
		return
	}
	fmt.Printf("event: %s\n", data)
}

func printSegments(segs []models.Segment) {
	for _, s := range segs {
		fmt.Printf("[%7.2f-%7.2f] %s (%s): %s\n", s.Start, s.End, s.Speaker, s.ID, s.Text)
	}
}
