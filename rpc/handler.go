package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolbft/store"
	"github.com/tolelom/tolbft/types"
)

// Mempool is the subset of mempool.Mempool the RPC surface needs.
type Mempool interface {
	Add(tx *types.Transaction, origin string) error
	Size() int
}

// Store is the subset of store.Store the RPC surface needs.
type Store interface {
	Height() int64
	HeaderOf(height int64) (types.BlockHeader, error)
	BodyOf(height int64) (types.BlockBody, error)
	LastCommit(height int64) (types.Commit, error)
}

// Handler holds all dependencies needed to serve RPC methods: the
// dapp-facing core surface (submit a transaction, read the chain)
// made concrete over JSON-RPC 2.0.
type Handler struct {
	store   Store
	mempool Mempool
}

// NewHandler creates an RPC Handler.
func NewHandler(st Store, mp Mempool) *Handler {
	return &Handler{store: st, mempool: mp}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.store.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getHeader":
		return h.getHeader(req)

	case "getCommit":
		return h.getCommit(req)

	case "sendTransaction":
		return h.sendTransaction(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

type heightParams struct {
	Height int64 `json:"height"`
}

func (h *Handler) getBlock(req Request) Response {
	var params heightParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	header, err := h.store.HeaderOf(params.Height)
	if err != nil {
		return blockErrResponse(req.ID, err)
	}
	body, err := h.store.BodyOf(params.Height)
	if err != nil {
		return blockErrResponse(req.ID, err)
	}
	return okResponse(req.ID, types.Block{Header: header, Body: body})
}

func (h *Handler) getHeader(req Request) Response {
	var params heightParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	header, err := h.store.HeaderOf(params.Height)
	if err != nil {
		return blockErrResponse(req.ID, err)
	}
	return okResponse(req.ID, header)
}

func (h *Handler) getCommit(req Request) Response {
	var params heightParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	commit, err := h.store.LastCommit(params.Height)
	if err != nil {
		return blockErrResponse(req.ID, err)
	}
	return okResponse(req.ID, commit)
}

func (h *Handler) sendTransaction(req Request) Response {
	var tx types.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.mempool.Add(&tx, ""); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_hash": tx.Hash().Hex()})
}

func blockErrResponse(id any, err error) Response {
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(id, CodeInvalidParams, "not found")
	}
	return errResponse(id, CodeInternalError, err.Error())
}
