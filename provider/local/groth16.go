package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	stdmimc "github.com/consensys/gnark/std/hash/mimc"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
)

// Groth16Backend names proofs produced by Groth16.
const Groth16Backend = "gnark-groth16-bn254"

const (
	provingKeyFile      = "commitment.pk"
	verificationKeyFile = "commitment.vk"
)

// commitmentCircuit proves knowledge of a salt such that
// Digest == MiMC(Subject, Salt).
type commitmentCircuit struct {
	Subject frontend.Variable `gnark:",public"`
	Digest  frontend.Variable `gnark:",public"`
	Salt    frontend.Variable
}

func (c *commitmentCircuit) Define(api frontend.API) error {
	h, err := stdmimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Subject, c.Salt)
	api.AssertIsEqual(h.Sum(), c.Digest)
	return nil
}

// Groth16 is a ProofSystem and provider.Verifier backed by a gnark Groth16
// circuit over BN254.
type Groth16 struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// NewGroth16 compiles the commitment circuit and loads its keys from dir. If
// dir is empty or holds no keys, a new setup is run and, when dir is set,
// stored there so later runs verify the same proofs.
func NewGroth16(dir string) (*Groth16, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &commitmentCircuit{})
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	g := &Groth16{ccs: ccs}
	if dir != "" {
		loaded, err := g.loadKeys(dir)
		if err != nil {
			return nil, err
		}
		if loaded {
			return g, nil
		}
	}
	if g.pk, g.vk, err = groth16.Setup(ccs); err != nil {
		return nil, fmt.Errorf("setup error: %w", err)
	}
	if dir != "" {
		if err := g.storeKeys(dir); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Groth16) loadKeys(dir string) (bool, error) {
	pkFd, err := os.Open(filepath.Join(dir, provingKeyFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer pkFd.Close()
	vkFd, err := os.Open(filepath.Join(dir, verificationKeyFile))
	if err != nil {
		return false, fmt.Errorf("proving key found without verification key: %w", err)
	}
	defer vkFd.Close()

	g.pk = groth16.NewProvingKey(ecc.BN254)
	if _, err := g.pk.ReadFrom(pkFd); err != nil {
		return false, fmt.Errorf("read proving key: %w", err)
	}
	g.vk = groth16.NewVerifyingKey(ecc.BN254)
	if _, err := g.vk.ReadFrom(vkFd); err != nil {
		return false, fmt.Errorf("read verification key: %w", err)
	}
	log.Debugw("groth16 keys loaded", "dir", dir)
	return true, nil
}

func (g *Groth16) storeKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	pkFd, err := os.Create(filepath.Join(dir, provingKeyFile))
	if err != nil {
		return err
	}
	defer pkFd.Close()
	if _, err := g.pk.WriteTo(pkFd); err != nil {
		return fmt.Errorf("write proving key: %w", err)
	}
	vkFd, err := os.Create(filepath.Join(dir, verificationKeyFile))
	if err != nil {
		return err
	}
	defer vkFd.Close()
	if _, err := g.vk.WriteTo(vkFd); err != nil {
		return fmt.Errorf("write verification key: %w", err)
	}
	log.Infow("groth16 keys written", "dir", dir)
	return nil
}

// mimcDigest computes MiMC(subject, salt) natively, as the circuit does.
func mimcDigest(subject, salt *big.Int) (*big.Int, error) {
	h := mimc.NewMiMC()
	for _, v := range []*big.Int{subject, salt} {
		var e fr.Element
		e.SetBigInt(v)
		b := e.Bytes()
		if _, err := h.Write(b[:]); err != nil {
			return nil, err
		}
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}

// Prove generates a proof for subject with a fresh random salt. The public
// inputs are the subject and the digest.
func (g *Groth16) Prove(ctx context.Context, subject *big.Int) (*provider.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	salt := randomFieldElement()
	digest, err := mimcDigest(subject, salt)
	if err != nil {
		return nil, fmt.Errorf("digest error: %w", err)
	}
	assignment := &commitmentCircuit{Subject: subject, Digest: digest, Salt: salt}
	fullWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("full witness error: %w", err)
	}
	proof, err := groth16.Prove(g.ccs, g.pk, fullWitness)
	if err != nil {
		return nil, fmt.Errorf("proof error: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &provider.Proof{
		Backend:      Groth16Backend,
		Data:         buf.Bytes(),
		PublicInputs: []string{subject.String(), digest.String()},
	}, nil
}

// Verify checks a proof produced by Prove.
func (g *Groth16) Verify(ctx context.Context, p *provider.Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: missing proof", provider.ErrInvalidProof)
	}
	if p.Backend != Groth16Backend {
		return fmt.Errorf("%w: unsupported backend %q", provider.ErrInvalidProof, p.Backend)
	}
	if len(p.PublicInputs) != 2 {
		return fmt.Errorf("%w: expected 2 public inputs, got %d", provider.ErrInvalidProof, len(p.PublicInputs))
	}
	subject, ok1 := new(big.Int).SetString(p.PublicInputs[0], 10)
	digest, ok2 := new(big.Int).SetString(p.PublicInputs[1], 10)
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: malformed public inputs", provider.ErrInvalidProof)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(p.Data)); err != nil {
		return fmt.Errorf("%w: decode proof: %v", provider.ErrInvalidProof, err)
	}
	publicWitness, err := frontend.NewWitness(&commitmentCircuit{Subject: subject, Digest: digest}, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness error: %w", err)
	}
	if err := groth16.Verify(proof, g.vk, publicWitness); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrInvalidProof, err)
	}
	return nil
}
