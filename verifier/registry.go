package verifier

import (
	"fmt"

	"donut/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type Selector [4]byte

func (s Selector) String() string {
	return fmt.Sprintf("0x%x", s[:])
}

// Function is a decodable call schema tagged by its selector.
type Function struct {
	Signature string
	Method    abi.Method
	Selector  Selector
}

// Decode unpacks call data (selector included) into named parameters.
func (f Function) Decode(input []byte) (map[string]any, error) {
	if len(input) < 4 {
		return nil, fmt.Errorf("input shorter than a selector")
	}
	out := make(map[string]any, len(f.Method.Inputs))
	if err := f.Method.Inputs.UnpackIntoMap(out, input[4:]); err != nil {
		return nil, err
	}
	return out, nil
}

// Registry holds every call schema the pipeline knows how to verify.
type Registry struct {
	bySelector map[Selector]Function
	byName     map[string]Function
}

func NewRegistry(signatures ...string) (*Registry, error) {
	r := &Registry{
		bySelector: make(map[Selector]Function),
		byName:     make(map[string]Function),
	}
	for _, sig := range signatures {
		if _, err := r.Add(sig); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a signature and returns its schema. Registering the same
// canonical signature twice is a no-op.
func (r *Registry) Add(signature string) (Function, error) {
	m, err := chain.ParseSignature(signature)
	if err != nil {
		return Function{}, err
	}
	var sel Selector
	copy(sel[:], m.ID)

	if existing, ok := r.bySelector[sel]; ok {
		if existing.Method.Sig != m.Sig {
			return Function{}, fmt.Errorf("selector %s collides: %s vs %s", sel, existing.Method.Sig, m.Sig)
		}
		return existing, nil
	}

	fn := Function{Signature: signature, Method: m, Selector: sel}
	r.bySelector[sel] = fn
	r.byName[m.Name] = fn
	return fn, nil
}

func (r *Registry) Lookup(sel Selector) (Function, bool) {
	fn, ok := r.bySelector[sel]
	return fn, ok
}

func (r *Registry) ByName(name string) (Function, bool) {
	fn, ok := r.byName[name]
	return fn, ok
}
