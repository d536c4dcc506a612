package config

import (
	"encoding/hex"
	"fmt"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/maci-coordinator/artifacts"
	"github.com/vocdoni/maci-coordinator/types"
)

// CircuitConfig locates the artifacts of the circom commitment circuit: the
// wasm witness calculator, the zkey proving key and the JSON verification
// key. Hashes are the hex sha256 of each file and name it in the cache.
type CircuitConfig struct {
	ArtifactsDir        string `env:"ARTIFACTS_DIR"`
	CheckHashes         bool   `env:"CHECK_HASHES"          envDefault:"true"`
	WasmURL             string `env:"WASM_URL"`
	WasmHash            string `env:"WASM_HASH"`
	ProvingKeyURL       string `env:"PROVING_KEY_URL"`
	ProvingKeyHash      string `env:"PROVING_KEY_HASH"`
	VerificationKeyURL  string `env:"VERIFICATION_KEY_URL"`
	VerificationKeyHash string `env:"VERIFICATION_KEY_HASH"`
}

func (c *CircuitConfig) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ArtifactsDir, "circuit.dir", c.ArtifactsDir, "circuit artifacts cache directory")
	fs.BoolVar(&c.CheckHashes, "circuit.checkHashes", c.CheckHashes, "check the hash of the circuit artifacts")
	fs.StringVar(&c.WasmURL, "circuit.wasmURL", c.WasmURL, "circuit wasm URL")
	fs.StringVar(&c.WasmHash, "circuit.wasmHash", c.WasmHash, "circuit wasm sha256")
	fs.StringVar(&c.ProvingKeyURL, "circuit.zkeyURL", c.ProvingKeyURL, "circuit proving key URL")
	fs.StringVar(&c.ProvingKeyHash, "circuit.zkeyHash", c.ProvingKeyHash, "circuit proving key sha256")
	fs.StringVar(&c.VerificationKeyURL, "circuit.vkeyURL", c.VerificationKeyURL, "circuit verification key URL")
	fs.StringVar(&c.VerificationKeyHash, "circuit.vkeyHash", c.VerificationKeyHash, "circuit verification key sha256")
}

func (c *CircuitConfig) validate() error {
	_, err := c.Artifacts()
	return err
}

// Artifacts returns the circuit artifacts described by the configuration.
// Every hash is required, URLs are only needed for files not yet cached.
func (c *CircuitConfig) Artifacts() (*artifacts.CircuitArtifacts, error) {
	newArtifact := func(name, url, hash string) (*artifacts.Artifact, error) {
		if hash == "" {
			return nil, fmt.Errorf("missing %s hash", name)
		}
		h, err := hex.DecodeString(types.TrimHex(hash))
		if err != nil {
			return nil, fmt.Errorf("%s hash: %w", name, err)
		}
		return &artifacts.Artifact{Name: name, RemoteURL: url, Hash: h}, nil
	}
	var (
		ca  artifacts.CircuitArtifacts
		err error
	)
	if ca.Wasm, err = newArtifact("wasm", c.WasmURL, c.WasmHash); err != nil {
		return nil, err
	}
	if ca.ProvingKey, err = newArtifact("proving key", c.ProvingKeyURL, c.ProvingKeyHash); err != nil {
		return nil, err
	}
	if ca.VerifyingKey, err = newArtifact("verification key", c.VerificationKeyURL, c.VerificationKeyHash); err != nil {
		return nil, err
	}
	return &ca, nil
}
