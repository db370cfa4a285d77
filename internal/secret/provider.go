// Package secret はソース資格情報を提供するシークレットストアの
// ケーパビリティを定義する。保管層自体のセキュリティ保証（暗号化、
// アクセス制御）はストア側の責務であり、このパッケージは消費するのみ。
package secret

import (
	"context"

	"github.com/hitoshi/glucosync/internal/model"
)

// CredentialProvider は資格情報取得のインターフェース。
type CredentialProvider interface {
	// GetCredentials は(userID, source)の資格情報を取得する。
	// 存在しない場合はmodel.ErrCredentialsNotFoundを返す。
	GetCredentials(ctx context.Context, userID, source string) (*model.Credentials, error)
}
