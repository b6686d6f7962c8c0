package ops

import "fmt"

// Tolerance defines acceptable numeric drift versus a float64 direct-loop
// reference.
type Tolerance struct {
	Abs float64
	Rel float64
}

// Within reports whether got matches want under t.
func (t Tolerance) Within(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}

	ref := want
	if ref < 0 {
		ref = -ref
	}

	return diff <= t.Abs+t.Rel*ref
}

// KernelTolerances defines per-kernel parity targets used by the tests and
// the check command.
var KernelTolerances = map[string]Tolerance{
	"vol2col":      {Abs: 0, Rel: 0},
	"col2vol":      {Abs: 1e-5, Rel: 1e-5},
	"grouped_gemm": {Abs: 1e-4, Rel: 1e-4},
	"bias":         {Abs: 1e-5, Rel: 1e-5},
	"conv3d":       {Abs: 2e-4, Rel: 2e-4},
	"deconv3d":     {Abs: 2e-4, Rel: 2e-4},
	"adjoint":      {Abs: 1e-3, Rel: 1e-4},
	"gradcheck":    {Abs: 2e-2, Rel: 2e-2},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}
