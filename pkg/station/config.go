// Package station wires the bridge components into a running daemon:
// configuration and identity, the discovery/transport/registry/relay
// stack, lifecycle ordering, and the control-socket data providers.
package station

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/discovery"
	"github.com/hamnetlabs/stationbridge/pkg/p2p"
	"github.com/hamnetlabs/stationbridge/pkg/protocol"
)

const (
	DefaultKeySize  = 2048
	DefaultBaudRate = 115200
	DefaultLogLevel = "info"

	stationFileVersion = "1"
)

// Config is the runtime configuration, assembled from the environment
// table with defaults. The station file (identity, keys, network
// membership) is separate; see StationFile.
type Config struct {
	DiscoveryURL           string
	DiscoveryTimeout       time.Duration
	DiscoveryCheckInterval time.Duration
	DiscoveryDHT           bool

	P2PListenPort        int
	P2PMaxConnections    int
	P2PConnectionTimeout time.Duration

	MeshAutoDetect bool
	MeshBaudRate   int

	DefaultKeySize int
	LocalTesting   bool

	RegistryPath string
	LogLevel     string
}

// FromEnv reads the environment table into a Config, applying defaults
// for everything unset.
func FromEnv() *Config {
	return &Config{
		DiscoveryURL:           envString("DISCOVERY_URL", discovery.DefaultDirectoryURL),
		DiscoveryTimeout:       envSeconds("DISCOVERY_TIMEOUT", discovery.DefaultTimeout),
		DiscoveryCheckInterval: envSeconds("DISCOVERY_CHECK_INTERVAL", discovery.DefaultCheckInterval),
		DiscoveryDHT:           envBool("DISCOVERY_DHT", false),
		P2PListenPort:          envInt("P2P_LISTEN_PORT", p2p.DefaultListenPort),
		P2PMaxConnections:      envInt("P2P_MAX_CONNECTIONS", p2p.DefaultMaxConnections),
		P2PConnectionTimeout:   envSeconds("P2P_CONNECTION_TIMEOUT", p2p.DefaultConnectionTimeout),
		MeshAutoDetect:         envBool("MESH_AUTO_DETECT", true),
		MeshBaudRate:           envInt("MESH_BAUD_RATE", DefaultBaudRate),
		DefaultKeySize:         envInt("DEFAULT_KEY_SIZE", DefaultKeySize),
		LocalTesting:           envBool("LOCAL_TESTING", false),
		RegistryPath:           envString("REGISTRY_PATH", filepath.Join(DefaultStateDir(), "registry")),
		LogLevel:               envString("LOG_LEVEL", DefaultLogLevel),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Identity names the station.
type Identity struct {
	StationID   string `json:"stationId"`
	DisplayName string `json:"displayName"`
	Location    string `json:"location,omitempty"`
	Operator    string `json:"operator,omitempty"`
}

// KeyPair holds the station's RSA keypair, PEM encoded.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// DiscoverySettings is the network-membership section of the station
// file. The secret never leaves this file.
type DiscoverySettings struct {
	NetworkName   string `json:"networkName"`
	NetworkSecret string `json:"networkSecret"`
}

// P2PSettings is the listener section of the station file.
type P2PSettings struct {
	ListenPort int `json:"listenPort"`
}

// MeshSettings is the radio section of the station file.
type MeshSettings struct {
	AutoDetect bool   `json:"autoDetect"`
	SerialPort string `json:"serialPort,omitempty"`
	BaudRate   int    `json:"baudRate"`
}

// StationFile is the persisted station configuration: identity, keys
// and per-section settings, written by `stationbridge init`.
type StationFile struct {
	Version   string            `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Identity  Identity          `json:"identity"`
	Keys      KeyPair           `json:"keys"`
	Discovery DiscoverySettings `json:"discovery"`
	P2P       P2PSettings       `json:"p2p"`
	Mesh      MeshSettings      `json:"mesh"`
}

// NewStationFile creates a fresh station file with a generated RSA
// keypair. keySize <= 0 selects the default.
func NewStationFile(id Identity, networkName, networkSecret string, keySize int) (*StationFile, error) {
	if !protocol.ValidStationID(id.StationID) {
		return nil, fmt.Errorf("invalid station id %q: 3-20 characters, letters/digits/hyphen, no leading or trailing hyphen", id.StationID)
	}
	if keySize <= 0 {
		keySize = DefaultKeySize
	}

	pub, priv, err := GenerateKeyPair(keySize)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &StationFile{
		Version:   stationFileVersion,
		CreatedAt: now,
		UpdatedAt: now,
		Identity:  id,
		Keys:      KeyPair{PublicKey: pub, PrivateKey: priv},
		Discovery: DiscoverySettings{
			NetworkName:   networkName,
			NetworkSecret: networkSecret,
		},
		P2P:  P2PSettings{ListenPort: p2p.DefaultListenPort},
		Mesh: MeshSettings{AutoDetect: true, BaudRate: DefaultBaudRate},
	}, nil
}

// LoadStationFile reads and validates a station file.
func LoadStationFile(path string) (*StationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station file: %w", err)
	}

	var f StationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse station file: %w", err)
	}
	if !protocol.ValidStationID(f.Identity.StationID) {
		return nil, fmt.Errorf("station file %s: invalid station id %q", path, f.Identity.StationID)
	}
	if f.Discovery.NetworkSecret == "" {
		return nil, fmt.Errorf("station file %s: missing network secret", path)
	}
	return &f, nil
}

// Save writes the station file with owner-only permissions, bumping
// updatedAt.
func (f *StationFile) Save(path string) error {
	f.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode station file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	// The file holds the network secret and the private key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write station file: %w", err)
	}
	return nil
}

// RSAPrivateKey parses the station's private key from the file.
func (f *StationFile) RSAPrivateKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(f.Keys.PrivateKey))
	if block == nil {
		return nil, fmt.Errorf("station file: no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", key)
	}
	return rsaKey, nil
}

// GenerateKeyPair creates an RSA keypair and returns (public, private)
// in PEM.
func GenerateKeyPair(bits int) (string, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("generate RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(pubPEM), string(privPEM), nil
}

// GenerateSecret generates a new random network secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DefaultStationFilePath returns the station file location:
// STATIONBRIDGE_CONFIG if set, otherwise station.json in the state
// directory.
func DefaultStationFilePath() string {
	if path := os.Getenv("STATIONBRIDGE_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(DefaultStateDir(), "station.json")
}

// DefaultStateDir returns the platform state directory for the bridge:
// XDG_STATE_HOME if set, then ~/.local/state, then /var/lib.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "stationbridge")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "stationbridge")
	}
	return "/var/lib/stationbridge"
}
