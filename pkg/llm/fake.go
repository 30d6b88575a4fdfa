package llm

import "context"

// Fake is a deterministic Caller for tests: it returns a scripted
// sequence of responses (or errors) in order, repeating the last entry
// once exhausted.
type Fake struct {
	Responses []Response
	Errors    []error
	calls     int
}

// Call returns the next scripted response/error, recording the call.
func (f *Fake) Call(ctx context.Context, req Request) (Response, error) {
	i := f.calls
	f.calls++

	var resp Response
	if len(f.Responses) > 0 {
		if i >= len(f.Responses) {
			i = len(f.Responses) - 1
		}
		resp = f.Responses[i]
	}
	var err error
	if len(f.Errors) > 0 {
		j := f.calls - 1
		if j >= len(f.Errors) {
			j = len(f.Errors) - 1
		}
		err = f.Errors[j]
	}
	return resp, err
}

// Calls reports how many times Call has been invoked.
func (f *Fake) Calls() int {
	return f.calls
}
