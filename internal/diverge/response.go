package diverge

import (
	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
)

// MaxResponseSize is the largest a packed DNS response may be (RFC 1035).
const MaxResponseSize = 65535

// BuildResponse assembles the wire bytes for a response message.  header
// carries the id/opcode/flags/rcode; question, when non-nil, is echoed as
// the sole entry of the question section; answers, when non-nil, becomes
// the answer section — a non-nil, zero-length slice still yields a
// well-formed, answer-less response, distinct from a nil slice meaning
// "no query dispatch was attempted at all".  It returns ok=false (and logs)
// if the assembled message does not fit in MaxResponseSize bytes or cannot
// be packed.
func BuildResponse(header dns.MsgHdr, question *dns.Question, answers []dns.RR) (wire []byte, ok bool) {
	resp := new(dns.Msg)
	resp.MsgHdr = header
	resp.Compress = true

	if question != nil {
		resp.Question = []dns.Question{*question}
	}
	if answers != nil {
		resp.Answer = answers
	}

	wire, err := resp.Pack()
	if err != nil {
		log.Error("diverge: encoding response: %s", err)
		return nil, false
	}
	if len(wire) > MaxResponseSize {
		log.Error("diverge: response too large: %d bytes", len(wire))
		return nil, false
	}

	return wire, true
}

// responseHeaderFromRequest copies id/opcode from req and sets the QR bit,
// the way "response from request" is specified to behave (spec.md §4.6).
func responseHeaderFromRequest(req *dns.Msg) dns.MsgHdr {
	h := dns.MsgHdr{
		Id:               req.Id,
		Opcode:           req.Opcode,
		RecursionDesired: req.RecursionDesired,
		Response:         true,
		Rcode:            dns.RcodeSuccess,
	}

	return h
}
