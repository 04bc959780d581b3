package paxos

import (
	"errors"
	"fmt"

	"github.com/senutpal/tradequorum/internal/transport"
)

// Conversions between protocol messages and the JSON envelope. A request
// without a slot field belongs to the global slot, which keeps the wire
// format of single-instance replicas unchanged.

func wireSlot(s Slot) *int64 {
	if s == GlobalSlot {
		return nil
	}
	v := int64(s)
	return &v
}

func slotFromWire(p *int64) Slot {
	if p == nil {
		return GlobalSlot
	}
	return Slot(*p)
}

func int64p(n ProposalNumber) *int64 {
	v := int64(n)
	return &v
}

var errMissingValue = errors.New("request has no value")

func EncodePrepare(m Prepare) *transport.Request {
	return &transport.Request{
		Action:         transport.ActionPrepare,
		ProposalNumber: int64(m.ProposalNumber),
		Slot:           wireSlot(m.Slot),
	}
}

func DecodePrepare(req *transport.Request, from int) Prepare {
	return Prepare{
		Slot:           slotFromWire(req.Slot),
		ProposalNumber: ProposalNumber(req.ProposalNumber),
		From:           from,
	}
}

func EncodePromise(p Promise) *transport.Response {
	if !p.OK {
		return &transport.Response{
			Status:           transport.StatusRejected,
			Reason:           RejectReason,
			PromisedProposal: int64p(p.HighestSeen),
		}
	}
	return &transport.Response{
		Status:           transport.StatusPromise,
		AcceptedProposal: int64p(p.AcceptedProposal),
		AcceptedValue:    p.AcceptedValue,
		PromisedProposal: int64p(p.HighestSeen),
	}
}

func DecodePromise(resp *transport.Response, n ProposalNumber, from int) (Promise, error) {
	p := Promise{ProposalNumber: n, AcceptedProposal: NoProposal, HighestSeen: NoProposal, From: from}
	if resp.PromisedProposal != nil {
		p.HighestSeen = ProposalNumber(*resp.PromisedProposal)
	}
	switch resp.Status {
	case transport.StatusPromise:
		p.OK = true
		if resp.AcceptedProposal != nil {
			p.AcceptedProposal = ProposalNumber(*resp.AcceptedProposal)
		}
		if resp.AcceptedValue != nil && p.AcceptedProposal != NoProposal {
			v := *resp.AcceptedValue
			p.AcceptedValue = &v
		}
	case transport.StatusRejected:
	default:
		return p, unexpected(transport.ActionPrepare, resp)
	}
	return p, nil
}

func EncodeAccept(m Accept) *transport.Request {
	v := m.Value
	return &transport.Request{
		Action:         transport.ActionAccept,
		ProposalNumber: int64(m.ProposalNumber),
		Slot:           wireSlot(m.Slot),
		Value:          &v,
	}
}

func DecodeAccept(req *transport.Request, from int) (Accept, error) {
	if req.Value == nil {
		return Accept{}, errMissingValue
	}
	return Accept{
		Slot:           slotFromWire(req.Slot),
		ProposalNumber: ProposalNumber(req.ProposalNumber),
		Value:          *req.Value,
		From:           from,
	}, nil
}

func EncodeAccepted(a Accepted) *transport.Response {
	if !a.OK {
		return &transport.Response{
			Status:           transport.StatusRejected,
			Reason:           RejectReason,
			PromisedProposal: int64p(a.HighestSeen),
		}
	}
	return &transport.Response{Status: transport.StatusAccepted}
}

func DecodeAccepted(resp *transport.Response, n ProposalNumber, from int) (Accepted, error) {
	a := Accepted{ProposalNumber: n, HighestSeen: NoProposal, From: from}
	if resp.PromisedProposal != nil {
		a.HighestSeen = ProposalNumber(*resp.PromisedProposal)
	}
	switch resp.Status {
	case transport.StatusAccepted:
		a.OK = true
	case transport.StatusRejected:
	default:
		return a, unexpected(transport.ActionAccept, resp)
	}
	return a, nil
}

func EncodeLearn(m Learn) *transport.Request {
	v := m.Value
	return &transport.Request{
		Action:         transport.ActionLearn,
		ProposalNumber: int64(m.ProposalNumber),
		Slot:           wireSlot(m.Slot),
		Value:          &v,
	}
}

func DecodeLearn(req *transport.Request, from int) (Learn, error) {
	if req.Value == nil {
		return Learn{}, errMissingValue
	}
	return Learn{
		Slot:           slotFromWire(req.Slot),
		ProposalNumber: ProposalNumber(req.ProposalNumber),
		Value:          *req.Value,
		From:           from,
	}, nil
}

func unexpected(action string, resp *transport.Response) error {
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: unexpected status %q", action, resp.Status)
}
