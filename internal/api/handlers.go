package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/identity"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/tx"
)

const (
	// HeaderCaller 携带调用者地址。
	HeaderCaller = "X-Bot-Caller"
	// HeaderSignature 携带对 identity.RequestPayload 的 EIP-191 签名。
	HeaderSignature = "X-Bot-Signature"
	// HeaderTimestamp 携带签名时的 Unix 毫秒时间戳，签名请求必须提供。
	HeaderTimestamp = "X-Bot-Timestamp"
)

// DeployRequest 是部署机器人的请求体。Owner 为空时使用调用者地址。
type DeployRequest struct {
	Owner string `json:"owner,omitempty"`
	Alive bool   `json:"alive"`
}

// CallRequest 是同步调用与异步交易共用的请求体。
type CallRequest struct {
	TxID     string `json:"tx_id,omitempty"`
	Entry    string `json:"entry"`
	Name     string `json:"name,omitempty"`
	Delta    int64  `json:"delta,omitempty"`
	Category string `json:"category,omitempty"`
}

// SubmitResponse 是异步交易受理后的响应。
type SubmitResponse struct {
	TxID   string    `json:"tx_id"`
	Status tx.Status `json:"status"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var req DeployRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err, nil)
		return
	}

	// 显式指定 owner 时，只有开启签名校验才需要确认调用者身份。
	explicit := strings.TrimSpace(req.Owner) != ""
	var owner common.Address
	if !explicit || s.requireSignature {
		if owner, err = s.caller(r, body); err != nil {
			writeError(w, err, nil)
			return
		}
	}
	if explicit {
		if owner, err = identity.ParseAddress(req.Owner); err != nil {
			writeError(w, err, nil)
			return
		}
	}

	rec, err := s.ledger.Deploy(r.Context(), owner, req.Alive)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	records, err := s.ledger.List(r.Context(), limit)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	call, txID, err := s.parseCall(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	receipt, err := s.ledger.Invoke(r.Context(), ledger.Invocation{
		TxID:  txID,
		BotID: r.PathValue("id"),
		Call:  call,
	})
	if err != nil {
		writeError(w, err, receipt)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	calls, err := s.ledger.Calls(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if calls == nil {
		calls = []*ledger.CallRecord{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.txs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步交易未启用"), nil)
		return
	}
	call, txID, err := s.parseCall(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	submitted, err := s.txs.Submit(r.Context(), tx.Request{ID: txID, BotID: r.PathValue("id"), Call: call})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TxID: submitted.ID, Status: tx.StatusPending})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if s.txs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步交易未启用"), nil)
		return
	}
	info, err := s.txs.Status(r.Context(), r.PathValue("tx_id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseCall 解析请求体并确定调用者。未知的目标类别原样传入，由状态机拒绝并记录。
func (s *Server) parseCall(r *http.Request) (bot.Call, string, error) {
	body, err := readBody(r)
	if err != nil {
		return bot.Call{}, "", err
	}
	var req CallRequest
	if err := decodeJSON(body, &req); err != nil {
		return bot.Call{}, "", err
	}
	caller, err := s.caller(r, body)
	if err != nil {
		return bot.Call{}, "", err
	}
	call := bot.Call{
		Entry:  bot.Entry(strings.TrimSpace(req.Entry)),
		Caller: caller,
		Name:   req.Name,
		Delta:  req.Delta,
	}
	if req.Category != "" {
		category, err := bot.ParseCategory(req.Category)
		if err != nil {
			category = bot.Category(req.Category)
		}
		call.Category = category
	}
	return call, strings.TrimSpace(req.TxID), nil
}

// caller 根据请求头确定调用者。带签名时以恢复出的签名者为准，
// 若同时声明了 X-Bot-Caller 则两者必须一致。签名覆盖方法、路径、时间戳与请求体，
// 同一份签名内容只接受一次。
func (s *Server) caller(r *http.Request, body []byte) (common.Address, error) {
	claimed := strings.TrimSpace(r.Header.Get(HeaderCaller))
	rawSig := strings.TrimSpace(r.Header.Get(HeaderSignature))

	if rawSig == "" {
		if s.requireSignature {
			return common.Address{}, xerrors.New(identity.CodeInvalidSignature, "缺少 "+HeaderSignature)
		}
		if claimed == "" {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少 "+HeaderCaller)
		}
		return identity.ParseAddress(claimed)
	}

	sig, err := identity.DecodeSignature(rawSig)
	if err != nil {
		return common.Address{}, err
	}
	ts, err := identity.ParseTimestamp(r.Header.Get(HeaderTimestamp))
	if err != nil {
		return common.Address{}, err
	}
	payload := identity.RequestPayload(r.Method, r.URL.Path, ts, body)
	signer, err := identity.Recover(payload, sig)
	if err != nil {
		return common.Address{}, err
	}
	if claimed != "" {
		addr, err := identity.ParseAddress(claimed)
		if err != nil {
			return common.Address{}, err
		}
		if err := identity.Verify(addr, payload, sig); err != nil {
			return common.Address{}, err
		}
	}
	if err := s.replay.Accept(ts, payload); err != nil {
		return common.Address{}, err
	}
	return signer, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	return body, nil
}

func decodeJSON(body []byte, dst any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是非负整数",
			xerrors.WithMetadata("limit", raw))
	}
	return limit, nil
}
