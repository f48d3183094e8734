package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
)

// ErrEvalNotFound is returned when the cloud has no evaluation for a position.
var ErrEvalNotFound = eris.New("source: no cloud evaluation for position")

// EvalSource looks positions up in a cloud evaluation cache.
type EvalSource struct {
	provider *Provider
	baseURL  string
	multiPV  int
}

// NewEvalSource creates an EvalSource that sends requests through provider.
func NewEvalSource(provider *Provider, cfg config.EvalSourceConfig) *EvalSource {
	multiPV := cfg.MultiPV
	if multiPV <= 0 {
		multiPV = 1
	}
	return &EvalSource{
		provider: provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		multiPV:  multiPV,
	}
}

type cloudEval struct {
	FEN    string `json:"fen"`
	Knodes int    `json:"knodes"`
	Depth  int    `json:"depth"`
	PVs    []struct {
		Moves string `json:"moves"`
		CP    *int   `json:"cp"`
		Mate  *int   `json:"mate"`
	} `json:"pvs"`
}

// Evaluate returns the cached evaluation of key, a FEN with or without its
// move counters. Positions the cloud has not analysed return ErrEvalNotFound.
func (e *EvalSource) Evaluate(ctx context.Context, key string) (model.Evaluation, error) {
	fen := key
	if len(strings.Fields(fen)) == 4 {
		fen += " 0 1"
	}
	q := url.Values{}
	q.Set("fen", fen)
	q.Set("multiPv", strconv.Itoa(e.multiPV))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/cloud-eval?"+q.Encode(), nil)
	if err != nil {
		return model.Evaluation{}, eris.Wrap(err, "source: build eval request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.provider.Do(ctx, req)
	if errors.Is(err, ErrNotFound) {
		return model.Evaluation{}, ErrEvalNotFound
	}
	if err != nil {
		return model.Evaluation{}, eris.Wrap(err, "source: cloud eval")
	}
	defer resp.Body.Close() //nolint:errcheck

	var body cloudEval
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Evaluation{}, eris.Wrap(err, "source: decode cloud eval")
	}
	if len(body.PVs) == 0 {
		return model.Evaluation{}, ErrEvalNotFound
	}

	pv := body.PVs[0]
	ev := model.Evaluation{Depth: body.Depth, Source: "cloud"}
	switch {
	case pv.Mate != nil:
		m := *pv.Mate
		ev.Mate = &m
	case pv.CP != nil:
		ev.Centipawns = *pv.CP
	default:
		return model.Evaluation{}, eris.New("source: cloud eval has neither cp nor mate")
	}
	if moves := strings.Fields(pv.Moves); len(moves) > 0 {
		ev.BestMove = moves[0]
	}
	return ev, nil
}
