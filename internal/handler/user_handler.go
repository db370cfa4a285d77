package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hitoshi/glucosync/internal/model"
	"github.com/hitoshi/glucosync/internal/repository"
)

// CredentialSaver は資格情報の保存のインターフェース。secret.PostgresStoreが満たす。
type CredentialSaver interface {
	SaveCredentials(ctx context.Context, creds *model.Credentials) error
}

// UserHandler は同期対象ユーザーの登録用HTTPハンドラー。
// ユーザー情報と資格情報をまとめて受け取り、それぞれのストアへUPSERTする。
type UserHandler struct {
	users    repository.SyncUserRepository
	secrets  CredentialSaver
	validate *validator.Validate
	logger   *slog.Logger
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(users repository.SyncUserRepository, secrets CredentialSaver, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		users:    users,
		secrets:  secrets,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type provisionUserRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Source   string `json:"source" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Active   bool   `json:"active"`
}

// ProvisionUser はユーザーと資格情報を登録または更新する。
// POST /users
// 既存の(user_id, source)に対しては上書き更新となる。
func (h *UserHandler) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req provisionUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_BODY", "リクエストボディを解釈できません。")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id, source, username, passwordは必須です。")
		return
	}

	user := &model.SyncUser{
		UserID: req.UserID,
		Source: req.Source,
		Active: req.Active,
	}
	if err := h.users.Upsert(r.Context(), user); err != nil {
		handleServiceError(w, err)
		return
	}

	creds := &model.Credentials{
		UserID:   req.UserID,
		Source:   req.Source,
		Username: req.Username,
		Password: req.Password,
	}
	if err := h.secrets.SaveCredentials(r.Context(), creds); err != nil {
		handleServiceError(w, err)
		return
	}

	h.logger.Info("同期対象ユーザーを登録しました",
		slog.String("user_id", req.UserID),
		slog.String("source", req.Source),
		slog.Bool("active", req.Active),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": req.UserID,
		"source":  req.Source,
		"active":  req.Active,
	})
}
