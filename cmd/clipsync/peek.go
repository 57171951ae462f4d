package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/hongjun500/clipsync/internal/crypto"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/transport"
)

func newPeekCmd() *cobra.Command {
	var (
		url, deviceID, token, keyStr string
		force                        bool
	)
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Connect to a relay as a device and print every envelope it receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var key []byte
			if keyStr != "" {
				k, err := crypto.ParseKey(keyStr)
				if err != nil {
					return err
				}
				key = k
			}
			ctx, stop := signalContext()
			defer stop()

			conn, err := transport.Dial(ctx, transport.DialConfig{
				URL:           url,
				Kind:          transport.Cloud,
				Identity:      transport.Identity{DeviceID: deviceID, Platform: "peek"},
				Token:         token,
				ForceRegister: force,
				Options:       transport.DefaultOptions(),
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-conn.Events():
					if !ok {
						return nil
					}
					switch ev.Kind {
					case transport.EventFrame:
						printFrame(out, ev.Frame, key)
					case transport.EventFailed:
						return ev.Err
					case transport.EventClosed:
						return nil
					}
				}
			}
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&url, "url", "ws://localhost:8080/ws", "relay websocket url")
	fl.StringVar(&deviceID, "device-id", "peek", "device id to register as")
	fl.StringVar(&token, "token", "", "relay JWT")
	fl.StringVar(&keyStr, "key", "", "base64 key to decrypt clipboard payloads")
	fl.BoolVar(&force, "force", false, "take over an existing session with the same device id")
	return cmd
}

func printFrame(w io.Writer, frame []byte, key []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		fmt.Fprintf(w, "malformed frame (%d bytes): %v\n", len(frame), err)
		return
	}
	p := env.Payload
	fmt.Fprintf(w, "Envelope %s\n", env.ID)
	fmt.Fprintf(w, "  type: %s\n", env.Type)
	fmt.Fprintf(w, "  ts:   %s\n", env.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  from: %s\n", p.DeviceID)
	if p.Target != "" {
		fmt.Fprintf(w, "  to:   %s\n", p.Target)
	}
	if env.Type == protocol.MsgControl {
		fmt.Fprintf(w, "  action: %s\n", p.Action)
		if p.Code != "" {
			fmt.Fprintf(w, "  code: %s (%s)\n", p.Code, p.Message)
		}
		return
	}
	fmt.Fprintf(w, "  content: %s\n", p.ContentType)
	plain := p.Ciphertext
	if !p.Encryption.Plaintext() {
		if key == nil {
			fmt.Fprintf(w, "  ciphertext(base64): %s\n", clip80(base64.StdEncoding.EncodeToString(plain)))
			return
		}
		var err error
		plain, err = crypto.Decrypt(&crypto.Sealed{Ciphertext: p.Ciphertext, Nonce: p.Encryption.Nonce, Tag: p.Encryption.Tag},
			key, []byte(p.DeviceID))
		if err != nil {
			fmt.Fprintf(w, "  decrypt: %v\n", err)
			return
		}
	}
	data := plain
	var cp protocol.ClipboardPayload
	if err := json.Unmarshal(plain, &cp); err == nil {
		data = cp.Data
	}
	if utf8.Valid(data) {
		fmt.Fprintf(w, "  data(text): %s\n", data)
	} else {
		fmt.Fprintf(w, "  data(base64): %s\n", clip80(base64.StdEncoding.EncodeToString(data)))
	}
}

func clip80(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
