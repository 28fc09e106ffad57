package api

import (
	"encoding/json"
	"net/http"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/identity"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/tx"
)

// ErrorResponse 是所有错误响应的 JSON 结构。被拒绝的调用会附带 Receipt。
type ErrorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Receipt  *ledger.Receipt   `json:"receipt,omitempty"`
}

// StatusFor 将错误码映射为 HTTP 状态码。
func StatusFor(code xerrors.Code) int {
	switch code {
	case bot.CodeUnauthorized, identity.CodeInvalidSignature:
		return http.StatusForbidden
	case xerrors.CodeInvalidArgument, tx.CodeTxMalformed:
		return http.StatusBadRequest
	case bot.CodeInvalidArithmetic:
		return http.StatusUnprocessableEntity
	case bot.CodeOutOfResource:
		return http.StatusConflict
	case xerrors.CodeNotFound, ledger.CodeBotNotFound, ledger.CodeCallNotFound, tx.CodeTxNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, ledger.CodeBotConflict, ledger.CodeVersionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error, receipt *ledger.Receipt) {
	resp := ErrorResponse{Code: xerrors.CodeUnknown, Message: err.Error(), Receipt: receipt}
	if e, ok := xerrors.From(err); ok {
		resp.Code = e.Code()
		resp.Message = e.Message()
		resp.Metadata = e.Metadata()
	}
	writeJSON(w, StatusFor(resp.Code), resp)
}
