package pack

import "github.com/audiolith/featforge/pkg/feature"

// Policy fills the padded tail of a packed row. Implementations must be
// stateless and safe for concurrent use.
type Policy interface {
	// Name returns the stable configuration key of the policy.
	Name() string

	// Fill writes row[len(content):] given that row[:len(content)] already
	// holds the true content. len(content) is always ≥ 1.
	Fill(row, content []float32)
}

// Built-in padding policies.
var (
	// Zero fills padding with zeros.
	Zero Policy = zeroFill{}

	// Repeat tiles the content cyclically into the padding, so a short item
	// sounds like itself looped rather than trailing into silence.
	Repeat Policy = repeatFill{}

	// Reflect mirrors the content about its last sample, avoiding the
	// discontinuity a hard cut to zero would introduce.
	Reflect Policy = reflectFill{}
)

// PolicyByName resolves a configuration key to a padding policy. Returns a
// configuration error for unknown names.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case Zero.Name():
		return Zero, nil
	case Repeat.Name():
		return Repeat, nil
	case Reflect.Name():
		return Reflect, nil
	}
	return nil, feature.ConfigErrorf("unknown padding policy %q (valid: zero, repeat, reflect)", name)
}

type zeroFill struct{}

func (zeroFill) Name() string { return "zero" }

func (zeroFill) Fill(row, content []float32) {
	for i := len(content); i < len(row); i++ {
		row[i] = 0
	}
}

type repeatFill struct{}

func (repeatFill) Name() string { return "repeat" }

func (repeatFill) Fill(row, content []float32) {
	n := len(content)
	for i := n; i < len(row); i++ {
		row[i] = content[i%n]
	}
}

type reflectFill struct{}

func (reflectFill) Name() string { return "reflect" }

func (reflectFill) Fill(row, content []float32) {
	n := len(content)
	if n == 1 {
		for i := 1; i < len(row); i++ {
			row[i] = content[0]
		}
		return
	}
	// Mirror indices about the last sample with period 2(n-1), so the
	// padding reads …c,b,a,b,c,d,c,b,a… for content a,b,c,d.
	period := 2*n - 2
	for i := n; i < len(row); i++ {
		m := i % period
		if m >= n {
			m = period - m
		}
		row[i] = content[m]
	}
}
