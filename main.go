package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gexshake/pkg/hostkey"
	"gexshake/pkg/kex"
)

// ------------------------ Key File Format ------------------------

// hostKeyAlgorithm names the host key algorithm recorded in key files.
const hostKeyAlgorithm = "ssh-ed25519"

// PublicKeyFile represents the JSON structure for public key files. The
// public key is the wire-format host key blob.
type PublicKeyFile struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"` // base64 encoded
}

// SecretKeyFile represents the JSON structure for secret key files
type SecretKeyFile struct {
	Algorithm string `json:"algorithm"`
	SecretKey string `json:"secret_key"` // base64 encoded
}

// SavePublicKey saves a public key to a JSON file
func SavePublicKey(filename string, algorithm string, publicKey []byte) error {
	keyFile := PublicKeyFile{
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
	}

	data, err := json.MarshalIndent(keyFile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	// #nosec G306 - Public keys are meant to be readable (0644 is appropriate)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write public key file: %w", err)
	}

	return nil
}

// SaveSecretKey saves a secret key to a JSON file
func SaveSecretKey(filename string, algorithm string, secretKey []byte) error {
	keyFile := SecretKeyFile{
		Algorithm: algorithm,
		SecretKey: base64.StdEncoding.EncodeToString(secretKey),
	}

	data, err := json.MarshalIndent(keyFile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secret key: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write secret key file: %w", err)
	}

	return nil
}

// LoadPublicKey loads a public key from a JSON file
func LoadPublicKey(filename string) (algorithm string, publicKey []byte, err error) {
	// #nosec G304 - filename comes from CLI args or config, validated by caller
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read public key file: %w", err)
	}

	var keyFile PublicKeyFile
	if err := json.Unmarshal(data, &keyFile); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	publicKey, err = base64.StdEncoding.DecodeString(keyFile.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	return keyFile.Algorithm, publicKey, nil
}

// LoadSecretKey loads a secret key from a JSON file
func LoadSecretKey(filename string) (algorithm string, secretKey []byte, err error) {
	// #nosec G304 - filename comes from CLI args or config, validated by caller
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read secret key file: %w", err)
	}

	var keyFile SecretKeyFile
	if err := json.Unmarshal(data, &keyFile); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal secret key: %w", err)
	}

	secretKey, err = base64.StdEncoding.DecodeString(keyFile.SecretKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode secret key: %w", err)
	}

	return keyFile.Algorithm, secretKey, nil
}

// ------------------------ Commands ------------------------

func cmdGenkey(keyName string) error {
	fmt.Printf("Generating %s host keypair...\n", hostKeyAlgorithm)

	key, priv, err := hostkey.Generate()
	if err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}

	// Construct filenames
	pubFile := keyName + ".pub"
	secFile := keyName + ".sec"

	// The public file carries the wire-format blob the peer pins.
	blob := key.EncodePublicKey()
	if err := SavePublicKey(pubFile, hostKeyAlgorithm, blob); err != nil {
		return err
	}

	if err := SaveSecretKey(secFile, hostKeyAlgorithm, priv); err != nil {
		return err
	}

	fmt.Printf("✓ Generated %s host keypair\n", hostKeyAlgorithm)
	fmt.Printf("  Public key:  %s (%d bytes)\n", pubFile, len(blob))
	fmt.Printf("  Secret key:  %s (%d bytes)\n", secFile, len(priv))

	return nil
}

// newLogger builds the process logger. Verbose enables debug output.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// ------------------------ Cobra Commands ------------------------

var rootCmd = &cobra.Command{
	Use:   "gexshake",
	Short: "GexShake - Diffie-Hellman Group Exchange Daemon",
	Long:  "A peer-to-peer key exchange daemon built on SSH-style Diffie-Hellman group exchange with negotiated group sizes and host key authentication.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a host keypair",
	Long:  "Generate an ssh-ed25519 host keypair used to authenticate key exchanges.",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyName, _ := cmd.Flags().GetString("name")
		return cmdGenkey(keyName)
	},
}

var algorithmsCmd = &cobra.Command{
	Use:   "algorithms",
	Short: "List key exchange algorithms",
	Long:  "List the key exchange algorithm names available for negotiation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range []string{kex.NameSHA256, kex.NameSHA1} {
			fmt.Println(name)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run as daemon with periodic key exchange",
	Long:  "Run as a daemon that maintains continuous key exchange with peer(s). Can use either flags for single peer or --config for multiple peers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		log := newLogger(verbose)

		configFile, _ := cmd.Flags().GetString("config")

		// If config file provided, use multi-peer mode
		if configFile != "" {
			config, err := LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mpd, err := NewMultiPeerDaemon(config, log)
			if err != nil {
				return fmt.Errorf("failed to create multi-peer daemon: %w", err)
			}

			return mpd.Start()
		}

		// Otherwise, use single-peer mode with flags
		name, _ := cmd.Flags().GetString("name")
		listenAddr, _ := cmd.Flags().GetString("listen")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		hostKeyFile, _ := cmd.Flags().GetString("host-key")
		peerKeyFile, _ := cmd.Flags().GetString("peer-host-key")
		output, _ := cmd.Flags().GetString("output")
		interval, _ := cmd.Flags().GetInt("interval")
		source, _ := cmd.Flags().GetString("source")

		// Validate required flags
		if hostKeyFile == "" {
			return fmt.Errorf("--host-key / -k flag is required")
		}
		if peerKeyFile == "" {
			return fmt.Errorf("--peer-host-key / -p flag is required")
		}
		if output == "" {
			return fmt.Errorf("--output / -o flag is required")
		}

		config := DaemonConfig{
			Name:        name,
			ListenAddr:  listenAddr,
			ConnectAddr: endpoint,
			HostKeyFile: hostKeyFile,
			PeerKeyFile: peerKeyFile,
			Source:      source,
			Interval:    interval,
			Output:      output,
		}

		daemon, err := NewDaemon(config, log)
		if err != nil {
			return err
		}

		return daemon.Start()
	},
}

func init() {
	// Genkey command flags
	genkeyCmd.Flags().String("name", "key", "Key name (creates <name>.pub and <name>.sec)")

	// Daemon command flags
	daemonCmd.Flags().StringP("config", "c", "", "Path to TOML configuration file (for multi-peer mode)")
	daemonCmd.Flags().String("name", "gexshake", "Local identity announced to the peer (single-peer mode)")
	daemonCmd.Flags().String("listen", "127.0.0.1:8000", "Listen address (single-peer mode)")
	daemonCmd.Flags().StringP("endpoint", "e", "127.0.0.1:8001", "Peer endpoint address (single-peer mode)")
	daemonCmd.Flags().StringP("host-key", "k", "", "Path to our host secret key file (required in single-peer mode)")
	daemonCmd.Flags().StringP("peer-host-key", "p", "", "Path to peer's host public key file (required in single-peer mode)")
	daemonCmd.Flags().StringP("output", "o", "", "Output session key file path (required in single-peer mode)")
	daemonCmd.Flags().IntP("interval", "i", 120, "Key exchange interval in seconds (single-peer mode)")
	daemonCmd.Flags().String("source", "modp14", "DH parameter source: modp14, test, or generated")
	daemonCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")

	// Add commands to root
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(algorithmsCmd)
}

// ------------------------ Main ------------------------

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
