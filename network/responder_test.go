package network_test

import (
	"testing"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/network"
	"github.com/tolelom/tolbft/types"
)

type fakeStore struct {
	headers map[int64]types.BlockHeader
	bodies  map[int64]types.BlockBody
	commits map[int64]types.Commit
	tip     int64
}

func (s *fakeStore) Height() int64 { return s.tip }

func (s *fakeStore) HeaderOf(h int64) (types.BlockHeader, error) {
	v, ok := s.headers[h]
	if !ok {
		return v, errNotFound
	}
	return v, nil
}

func (s *fakeStore) BodyOf(h int64) (types.BlockBody, error) {
	v, ok := s.bodies[h]
	if !ok {
		return v, errNotFound
	}
	return v, nil
}

func (s *fakeStore) LastCommit(h int64) (types.Commit, error) {
	v, ok := s.commits[h]
	if !ok {
		return v, errNotFound
	}
	return v, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func buildChain(t *testing.T, n int) *fakeStore {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	vs := types.ValidatorSet{{Address: pub.Hex(), VotingPower: 10}}
	cfg := types.GenesisConfig{ChainID: "test", Timestamp: 1, InitialValidatorSet: vs}
	genesis, err := cfg.NewGenesisBlock()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}

	s := &fakeStore{
		headers: map[int64]types.BlockHeader{0: genesis.Header},
		bodies:  map[int64]types.BlockBody{0: genesis.Body},
		commits: map[int64]types.Commit{},
	}
	parent := genesis
	for h := int64(1); h <= int64(n); h++ {
		body := types.BlockBody{NextValidatorSet: vs}
		header := types.BlockHeader{
			Height:                 h,
			Timestamp:              parent.Header.Timestamp + 1,
			LastBlockHash:          parent.Hash(),
			TransactionRoot:        body.Transactions.Hash(),
			LastBlockConsensusRoot: body.LastBlockConsensus.Hash(),
			NextValidatorSetRoot:   body.NextValidatorSet.Hash(),
		}
		block := &types.Block{Header: header, Body: body}
		s.headers[h] = header
		s.bodies[h] = body
		s.commits[h-1] = types.Commit{} // finalizes h-1 trivially in this fixture
		s.tip = h
		parent = block
	}
	return s
}

func TestResponderGetHeadersStopsAtTip(t *testing.T) {
	s := buildChain(t, 3)
	r := network.NewResponder(s)

	resp := r.GetHeaders(1, 10)
	if len(resp.Headers) != 3 {
		t.Fatalf("got %d headers, want 3", len(resp.Headers))
	}
	if resp.Headers[0].Height != 1 || resp.Headers[2].Height != 3 {
		t.Fatalf("unexpected header range: %+v", resp.Headers)
	}
}

func TestResponderGetHeadersBeyondTipIsEmpty(t *testing.T) {
	s := buildChain(t, 2)
	r := network.NewResponder(s)

	resp := r.GetHeaders(5, 10)
	if len(resp.Headers) != 0 {
		t.Fatalf("got %d headers, want 0", len(resp.Headers))
	}
}

func TestResponderGetBodiesSkipsMissingHeights(t *testing.T) {
	s := buildChain(t, 2)
	r := network.NewResponder(s)

	resp := r.GetBodies([]int64{0, 1, 99})
	if len(resp.Bodies) != 2 {
		t.Fatalf("got %d bodies, want 2", len(resp.Bodies))
	}
}

func TestResponderGetConsentedHeaderNotFound(t *testing.T) {
	s := buildChain(t, 1)
	r := network.NewResponder(s)

	resp := r.GetConsentedHeader(99)
	if resp.Found {
		t.Fatal("expected Found=false for a height beyond tip")
	}
}
