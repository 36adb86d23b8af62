package status

// Smoother hides the single zero sample that counter sampling jitter
// produces in the middle of continuous traffic. A zero sample is dropped
// only when the sample before it was non-zero; persistent zeros are
// reported from the second one on.
type Smoother struct {
	seen     bool
	prevZero bool
}

// Next reports whether the sample should be published.
func (s *Smoother) Next(up, down int64) bool {
	zero := up == 0 && down == 0
	suppress := zero && s.seen && !s.prevZero
	s.seen = true
	s.prevZero = zero
	return !suppress
}

// Reset forgets history, as at the start of a session.
func (s *Smoother) Reset() { *s = Smoother{} }
