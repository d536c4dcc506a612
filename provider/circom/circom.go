// Package circom proves and verifies subject commitments with a circom
// circuit. Proofs are generated with rapidsnark from the circuit wasm and
// zkey, and verified natively by converting them to gnark with circom2gnark.
//
// The circuit takes a public input "subject" and a private input "salt", and
// outputs digest = poseidon(subject, salt). Circom lists outputs before the
// public inputs, so its public signals are [digest, subject].
package circom

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/iden3/go-rapidsnark/prover"
	"github.com/iden3/go-rapidsnark/witness"
	"github.com/vocdoni/circom2gnark/parser"
	"github.com/vocdoni/maci-coordinator/artifacts"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/util"
)

// Backend names proofs produced by this package.
const Backend = "circom-groth16-bn254"

// Circom is a proof system backed by circom circuit artifacts.
type Circom struct {
	wasm []byte
	zkey []byte
	vkey *parser.CircomVerificationKey
}

// New fetches the circuit artifacts into the cache and prepares the prover.
func New(ctx context.Context, cache *artifacts.Cache, circuit *artifacts.CircuitArtifacts) (*Circom, error) {
	if err := circuit.Fetch(ctx, cache); err != nil {
		return nil, fmt.Errorf("fetch circuit artifacts: %w", err)
	}
	vkey, err := parser.UnmarshalCircomVerificationKeyJSON(circuit.VerifyingKey.Content)
	if err != nil {
		return nil, fmt.Errorf("parse verification key: %w", err)
	}
	log.Debugw("circom artifacts ready", "dir", cache.Dir())
	return &Circom{
		wasm: circuit.Wasm.Content,
		zkey: circuit.ProvingKey.Content,
		vkey: vkey,
	}, nil
}

// Prove generates a proof for subject with a fresh random salt. The returned
// public inputs are [subject, digest].
func (c *Circom) Prove(ctx context.Context, subject *big.Int) (*provider.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	salt := util.BigToFF(new(big.Int).SetBytes(util.RandomBytes(32)))
	inputs, err := json.Marshal(map[string]string{
		"subject": subject.String(),
		"salt":    salt.String(),
	})
	if err != nil {
		return nil, err
	}
	parsed, err := witness.ParseInputs(inputs)
	if err != nil {
		return nil, fmt.Errorf("parse inputs: %w", err)
	}
	calc, err := witness.NewCircom2WitnessCalculator(c.wasm, true)
	if err != nil {
		return nil, fmt.Errorf("witness calculator: %w", err)
	}
	wtns, err := calc.CalculateWTNSBin(parsed, true)
	if err != nil {
		return nil, fmt.Errorf("calculate witness: %w", err)
	}
	proofJSON, pubSignalsJSON, err := prover.Groth16ProverRaw(c.zkey, wtns)
	if err != nil {
		return nil, fmt.Errorf("proof error: %w", err)
	}
	signals, err := parser.UnmarshalCircomPublicSignalsJSON([]byte(pubSignalsJSON))
	if err != nil {
		return nil, fmt.Errorf("parse public signals: %w", err)
	}
	if len(signals) != 2 {
		return nil, fmt.Errorf("expected 2 public signals, got %d", len(signals))
	}
	if signals[1] != subject.String() {
		return nil, fmt.Errorf("circuit subject %s does not match %s", signals[1], subject)
	}
	return &provider.Proof{
		Backend:      Backend,
		Data:         []byte(proofJSON),
		PublicInputs: []string{signals[1], signals[0]},
	}, nil
}

// Verify checks a proof produced by Prove against the verification key.
func (c *Circom) Verify(ctx context.Context, p *provider.Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: missing proof", provider.ErrInvalidProof)
	}
	if p.Backend != Backend {
		return fmt.Errorf("%w: unsupported backend %q", provider.ErrInvalidProof, p.Backend)
	}
	if len(p.PublicInputs) != 2 {
		return fmt.Errorf("%w: expected 2 public inputs, got %d", provider.ErrInvalidProof, len(p.PublicInputs))
	}
	proof, err := parser.UnmarshalCircomProofJSON(p.Data)
	if err != nil {
		return fmt.Errorf("%w: decode proof: %v", provider.ErrInvalidProof, err)
	}
	signals := []string{p.PublicInputs[1], p.PublicInputs[0]}
	gnarkProof, err := parser.ConvertCircomToGnark(proof, c.vkey, signals)
	if err != nil {
		return fmt.Errorf("%w: convert proof: %v", provider.ErrInvalidProof, err)
	}
	if ok, err := parser.VerifyProof(gnarkProof); !ok || err != nil {
		return fmt.Errorf("%w: verification failed: %v", provider.ErrInvalidProof, err)
	}
	return nil
}
