package biquad

// Chain is an ordered cascade of biquad sections processed in series.
// Higher-order filters (e.g. a 4th-order Butterworth lowpass) occupy
// several consecutive sections; each section's output feeds the next.
type Chain struct {
	sections []Section
}

// NewChain creates a cascade from zero or more coefficient sets.
// Each Coefficients value becomes one Section.
func NewChain(coeffs []Coefficients) *Chain {
	c := &Chain{sections: make([]Section, len(coeffs))}
	for i := range coeffs {
		c.sections[i].Coefficients = coeffs[i]
	}

	return c
}

// ProcessSample cascades one input sample through all sections in order.
func (c *Chain) ProcessSample(x float64) float64 {
	for i := range c.sections {
		x = c.sections[i].ProcessSample(x)
	}

	return x
}

// ProcessBlock filters a block in-place through the full cascade.
func (c *Chain) ProcessBlock(buf []float64) {
	for i := range c.sections {
		c.sections[i].ProcessBlock(buf)
	}
}

// UpdateCoefficients replaces the filter coefficients. If the section
// count is unchanged the delay-line state of each section is preserved,
// avoiding the output discontinuity that starting a fresh chain with
// zero state would cause. If the count changes the sections are rebuilt
// and state starts from zero.
func (c *Chain) UpdateCoefficients(coeffs []Coefficients) {
	if len(coeffs) == len(c.sections) {
		for i := range c.sections {
			c.sections[i].Coefficients = coeffs[i]
		}

		return
	}

	c.sections = make([]Section, len(coeffs))
	for i := range coeffs {
		c.sections[i].Coefficients = coeffs[i]
	}
}

// UpdateSection replaces the coefficients of the i-th section while
// preserving its delay-line state.
func (c *Chain) UpdateSection(i int, coeffs Coefficients) {
	c.sections[i].SetCoefficients(coeffs)
}

// Reset clears all section states.
func (c *Chain) Reset() {
	for i := range c.sections {
		c.sections[i].Reset()
	}
}

// NumSections returns the number of biquad sections.
func (c *Chain) NumSections() int {
	return len(c.sections)
}

// Section returns a pointer to the i-th section for inspection.
func (c *Chain) Section(i int) *Section {
	return &c.sections[i]
}

// State returns a snapshot of all section delay-line states.
func (c *Chain) State() [][2]float64 {
	states := make([][2]float64, len(c.sections))
	for i := range c.sections {
		states[i] = c.sections[i].State()
	}

	return states
}

// SetState restores previously saved section states. The slice length
// must match NumSections.
func (c *Chain) SetState(states [][2]float64) {
	for i := range c.sections {
		c.sections[i].SetState(states[i])
	}
}
