// Package vault turns stored account credentials into usable ones:
// decryption, OAuth refresh, and the permanent/transient split on refresh
// failure.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/cache"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/crypto"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// refreshWindow is how close to expiry a token gets before it is refreshed.
const refreshWindow = 5 * time.Minute

// Vault implements out.TokenVault. All persisted secrets stay encrypted;
// plaintext exists only inside returned Credential values.
type Vault struct {
	accounts  out.AccountRepository
	encryptor *crypto.Encryptor
	configs   map[domain.ProviderKind]*oauth2.Config
	cache     *cache.TTLCache[*domain.Account]
}

func New(accounts out.AccountRepository, encryptor *crypto.Encryptor, configs map[domain.ProviderKind]*oauth2.Config, accountCache *cache.TTLCache[*domain.Account]) *Vault {
	return &Vault{
		accounts:  accounts,
		encryptor: encryptor,
		configs:   configs,
		cache:     accountCache,
	}
}

// GetAccount loads an account through the TTL cache.
func (v *Vault) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	key := cacheKey(id)
	if acct, ok := v.cache.Get(key); ok {
		return acct, nil
	}
	acct, err := v.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v.cache.Set(key, acct)
	return acct, nil
}

// GetValidCredential returns decrypted, unexpired credentials for the
// account, refreshing OAuth tokens when they are within the refresh window.
func (v *Vault) GetValidCredential(ctx context.Context, account *domain.Account) (*domain.Credential, error) {
	if account.Provider.OAuthBacked() {
		return v.oauthCredential(ctx, account)
	}
	return v.mailboxCredential(account)
}

func (v *Vault) oauthCredential(ctx context.Context, account *domain.Account) (*domain.Credential, error) {
	accessToken, err := v.encryptor.Decrypt(account.AccessToken)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMissingConfig, "stored access token unreadable", apperr.KindPermanent, 500)
	}
	refreshToken, err := v.encryptor.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMissingConfig, "stored refresh token unreadable", apperr.KindPermanent, 500)
	}

	if time.Until(account.TokenExpiry) > refreshWindow {
		return &domain.Credential{
			Provider:     account.Provider,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			Expiry:       account.TokenExpiry,
		}, nil
	}

	return v.refresh(ctx, account, accessToken, refreshToken)
}

func (v *Vault) refresh(ctx context.Context, account *domain.Account, accessToken, refreshToken string) (*domain.Credential, error) {
	cfg, ok := v.configs[account.Provider]
	if !ok {
		return nil, apperr.MissingConfig(fmt.Sprintf("oauth config for %s", account.Provider))
	}
	if refreshToken == "" {
		return nil, v.deactivate(ctx, account, apperr.AuthRevoked(string(account.Provider), fmt.Errorf("no refresh token on file")))
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       account.TokenExpiry,
	})
	newToken, err := src.Token()
	if err != nil {
		if isGrantRevokedError(err) {
			logger.WithAccount(fmt.Sprintf("%d", account.ID)).
				Warn("[Vault] refresh rejected by %s, deactivating account", account.Provider)
			return nil, v.deactivate(ctx, account, apperr.AuthRevoked(string(account.Provider), err))
		}
		return nil, apperr.AuthTransient(string(account.Provider), err)
	}

	// Providers may omit the refresh token on rotation; keep the prior one.
	if newToken.RefreshToken != "" {
		refreshToken = newToken.RefreshToken
	}

	encAccess, err := v.encryptor.Encrypt(newToken.AccessToken)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternalError, "failed to encrypt access token", apperr.KindExternal, 500)
	}
	encRefresh, err := v.encryptor.Encrypt(refreshToken)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternalError, "failed to encrypt refresh token", apperr.KindExternal, 500)
	}
	if err := v.accounts.UpdateTokens(ctx, account.ID, encAccess, encRefresh, newToken.Expiry); err != nil {
		return nil, apperr.DatabaseError("update tokens", err)
	}
	v.cache.Invalidate(cacheKey(account.ID))

	account.AccessToken = encAccess
	account.RefreshToken = encRefresh
	account.TokenExpiry = newToken.Expiry

	logger.Debug("[Vault] token refreshed for account %d", account.ID)

	return &domain.Credential{
		Provider:     account.Provider,
		AccessToken:  newToken.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       newToken.Expiry,
	}, nil
}

func (v *Vault) mailboxCredential(account *domain.Account) (*domain.Credential, error) {
	if account.MailboxConfig == "" {
		return nil, apperr.MissingConfig(fmt.Sprintf("mailbox config for %s", account.Email))
	}
	plain, err := v.encryptor.Decrypt(account.MailboxConfig)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMissingConfig, "stored mailbox config unreadable", apperr.KindPermanent, 500)
	}
	var cfg domain.MailboxConfig
	if err := json.Unmarshal([]byte(plain), &cfg); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMissingConfig, "stored mailbox config malformed", apperr.KindPermanent, 500)
	}
	return &domain.Credential{Provider: account.Provider, Mailbox: &cfg}, nil
}

// EncryptMailboxConfig encrypts a basic-auth bundle for storage at connect time.
func (v *Vault) EncryptMailboxConfig(cfg *domain.MailboxConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return v.encryptor.Encrypt(string(raw))
}

func (v *Vault) deactivate(ctx context.Context, account *domain.Account, cause *apperr.AppError) error {
	if err := v.accounts.Deactivate(ctx, account.ID, cause.Message); err != nil {
		logger.WithError(err).Error("[Vault] failed to deactivate account %d", account.ID)
	}
	v.cache.Invalidate(cacheKey(account.ID))
	account.IsActive = false
	return cause
}

func cacheKey(id int64) string {
	return fmt.Sprintf("account:%d", id)
}

// isGrantRevokedError detects provider responses that mean the grant itself
// is dead, as opposed to a reachability problem.
func isGrantRevokedError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "invalid_client") ||
		strings.Contains(errStr, "Token has been expired or revoked")
}
