package llm

import (
	"context"
	"sync"
)

// ModelVote is one model's view of whether an answer is grounded.
type ModelVote struct {
	Model         string `json:"model"`
	Vote          string `json:"vote"` // yes, no, or error
	Justification string `json:"justification,omitempty"`
	Status        string `json:"status"` // success or failed
}

// VoteOutcome aggregates the panel.
type VoteOutcome struct {
	YesVotes     int         `json:"yes_votes"`
	NoVotes      int         `json:"no_votes"`
	FinalVerdict string      `json:"final_verdict"` // yes, no, or tie
	Details      []ModelVote `json:"details"`
}

// Voter asks a panel of adapters whether a response is supported by a chunk
// and takes the majority. Errored voters are recorded but excluded from the
// count.
type Voter struct {
	adapters []*Adapter
}

// NewVoter builds a panel; order is preserved in the outcome details.
func NewVoter(adapters ...*Adapter) *Voter {
	return &Voter{adapters: adapters}
}

// Vote runs the panel in parallel and aggregates the verdict. Equal yes and
// no counts, including an all-error panel, end in a tie.
func (v *Voter) Vote(ctx context.Context, query, chunk, response string) *VoteOutcome {
	details := make([]ModelVote, len(v.adapters))
	var wg sync.WaitGroup
	for i, a := range v.adapters {
		wg.Add(1)
		go func(i int, a *Adapter) {
			defer wg.Done()
			decision, err := a.VoteGenerate(ctx, query, chunk, response)
			if err != nil {
				details[i] = ModelVote{Model: a.Model(), Vote: "error", Justification: err.Error(), Status: "failed"}
				return
			}
			details[i] = ModelVote{Model: a.Model(), Vote: decision.Decision, Justification: decision.Justification, Status: "success"}
		}(i, a)
	}
	wg.Wait()

	outcome := &VoteOutcome{Details: details}
	for _, d := range details {
		switch d.Vote {
		case "yes":
			outcome.YesVotes++
		case "no":
			outcome.NoVotes++
		}
	}
	switch {
	case outcome.YesVotes > outcome.NoVotes:
		outcome.FinalVerdict = "yes"
	case outcome.NoVotes > outcome.YesVotes:
		outcome.FinalVerdict = "no"
	default:
		outcome.FinalVerdict = "tie"
	}
	return outcome
}
