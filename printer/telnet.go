package printer

import "io"

// Telnet command bytes (RFC 854).
const (
	telnetIAC  = 255
	telnetDONT = 254
	telnetDO   = 253
	telnetWONT = 252
	telnetWILL = 251
	telnetSB   = 250
	telnetSE   = 240
)

type telnetState int

const (
	stateData telnetState = iota
	stateIAC
	stateOption
	stateSub
	stateSubIAC
)

// telnetReader strips telnet negotiation from the byte stream so only
// firmware output reaches the line reader. Option requests are dropped
// without a reply; the firmware does not wait for one.
type telnetReader struct {
	r     io.Reader
	state telnetState
	buf   []byte
}

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{r: r}
}

func (t *telnetReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if cap(t.buf) < len(p) {
		t.buf = make([]byte, len(p))
	}
	for {
		n, err := t.r.Read(t.buf[:len(p)])
		out := t.filter(p, t.buf[:n])
		if out > 0 || err != nil {
			return out, err
		}
	}
}

// filter copies the data bytes of in to p and returns how many were kept.
// len(in) never exceeds len(p).
func (t *telnetReader) filter(p, in []byte) int {
	n := 0
	for _, b := range in {
		switch t.state {
		case stateData:
			if b == telnetIAC {
				t.state = stateIAC
				continue
			}
			p[n] = b
			n++
		case stateIAC:
			switch b {
			case telnetIAC:
				p[n] = b
				n++
				t.state = stateData
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				t.state = stateOption
			case telnetSB:
				t.state = stateSub
			default:
				t.state = stateData
			}
		case stateOption:
			t.state = stateData
		case stateSub:
			if b == telnetIAC {
				t.state = stateSubIAC
			}
		case stateSubIAC:
			if b == telnetSE {
				t.state = stateData
			} else {
				t.state = stateSub
			}
		}
	}
	return n
}
