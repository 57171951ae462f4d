package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongjun500/clipsync/internal/auth"
	"github.com/hongjun500/clipsync/internal/crypto"
)

func newKeygenCmd() *cobra.Command {
	var symmetric bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an X25519 key pair for pairing (or a random shared key with --symmetric)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if symmetric {
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, crypto.EncodeKey(key))
				return nil
			}
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "private: %s\n", crypto.EncodeKey(kp.Private[:]))
			fmt.Fprintf(out, "public:  %s\n", crypto.EncodeKey(kp.Public[:]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&symmetric, "symmetric", false, "print a random 32-byte shared key instead of a key pair")
	return cmd
}

func newDeriveCmd() *cobra.Command {
	var private, peer string
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive the shared clipboard key from our private key and the peer's public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := crypto.ParseKey(private)
			if err != nil {
				return fmt.Errorf("--private: %w", err)
			}
			pub, err := crypto.ParseKey(peer)
			if err != nil {
				return fmt.Errorf("--peer-public: %w", err)
			}
			key, err := crypto.DeriveKey(priv, pub)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.EncodeKey(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&private, "private", "", "our base64 X25519 private key")
	cmd.Flags().StringVar(&peer, "peer-public", "", "the peer's base64 X25519 public key")
	_ = cmd.MarkFlagRequired("private")
	_ = cmd.MarkFlagRequired("peer-public")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <device-id>",
		Short: "Mint a relay JWT for a device id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("CLIPSYNC_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("no secret: pass --secret or set CLIPSYNC_JWT_SECRET")
			}
			tok, err := auth.Issue([]byte(secret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (defaults to CLIPSYNC_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime; 0 for no expiry")
	return cmd
}
