package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// InstallationService owns Slack and GitHub app installations.
type InstallationService struct {
	pool *pgxpool.Pool
}

// NewInstallationService creates a new InstallationService.
func NewInstallationService(pool *pgxpool.Pool) *InstallationService {
	if pool == nil {
		panic("NewInstallationService: pool must not be nil")
	}
	return &InstallationService{pool: pool}
}

// UpsertSlack stores a Slack installation keyed by
// (app_slug, enterprise_id, team_id, user_id).
func (s *InstallationService) UpsertSlack(ctx context.Context, inst *models.SlackInstallation) (*models.SlackInstallation, error) {
	if inst.TeamID == "" {
		return nil, NewValidationError("team_id", "team id is required")
	}
	if inst.BotToken == "" {
		return nil, NewValidationError("bot_token", "bot token is required")
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO slack_installations (id, app_slug, enterprise_id, team_id, user_id, bot_token, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (app_slug, enterprise_id, team_id, user_id) DO UPDATE SET
		    bot_token = EXCLUDED.bot_token,
		    data = EXCLUDED.data,
		    updated_at = now()
		RETURNING id, updated_at`,
		inst.ID, inst.AppSlug, inst.EnterpriseID, inst.TeamID, inst.UserID,
		inst.BotToken, nullableJSON(inst.Data))
	if err := row.Scan(&inst.ID, &inst.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert slack installation: %w", err)
	}
	return inst, nil
}

// GetSlackBotToken returns the bot token for a Slack workspace.
func (s *InstallationService) GetSlackBotToken(ctx context.Context, appSlug, enterpriseID, teamID string) (string, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT bot_token FROM slack_installations
		WHERE app_slug = $1 AND enterprise_id = $2 AND team_id = $3
		ORDER BY updated_at DESC LIMIT 1`, appSlug, enterpriseID, teamID)

	var token string
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read slack installation: %w", err)
	}
	return token, nil
}

// UpsertGitHub stores a GitHub installation keyed by installation_id.
func (s *InstallationService) UpsertGitHub(ctx context.Context, inst *models.GitHubInstallation) error {
	if inst.InstallationID == 0 {
		return NewValidationError("installation_id", "installation id is required")
	}
	if inst.AccountLogin == "" {
		return NewValidationError("account_login", "account login is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO github_installations (installation_id, account_login, account_type, data, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (installation_id) DO UPDATE SET
		    account_login = EXCLUDED.account_login,
		    account_type = EXCLUDED.account_type,
		    data = EXCLUDED.data,
		    updated_at = now()`,
		inst.InstallationID, inst.AccountLogin, inst.AccountType, nullableJSON(inst.Data))
	if err != nil {
		return fmt.Errorf("failed to upsert github installation: %w", err)
	}
	return nil
}

// LinkGitHub binds an account login to (org, team). A login already
// linked to a different team is refused with ErrAlreadyExists.
func (s *InstallationService) LinkGitHub(ctx context.Context, accountLogin, org, team string) error {
	if accountLogin == "" {
		return NewValidationError("account_login", "account login is required")
	}
	if org == "" || team == "" {
		return NewValidationError("org", "org and team are required")
	}

	var existingOrg, existingTeam *string
	row := s.pool.QueryRow(ctx, `
		SELECT org, team FROM github_installations
		WHERE account_login = $1 ORDER BY updated_at DESC LIMIT 1`, accountLogin)
	if err := row.Scan(&existingOrg, &existingTeam); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read github installation: %w", err)
	}

	if existingOrg != nil && (*existingOrg != org || deref(existingTeam) != team) {
		return fmt.Errorf("%w: account %q already linked to %s/%s",
			ErrAlreadyExists, accountLogin, *existingOrg, deref(existingTeam))
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE github_installations SET org = $2, team = $3, updated_at = now()
		WHERE account_login = $1`, accountLogin, org, team)
	if err != nil {
		return fmt.Errorf("failed to link github installation: %w", err)
	}
	return nil
}

// GetGitHubByLogin returns the installation for an account login.
func (s *InstallationService) GetGitHubByLogin(ctx context.Context, accountLogin string) (*models.GitHubInstallation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT installation_id, account_login, account_type,
		       COALESCE(org, ''), COALESCE(team, ''), data, updated_at
		FROM github_installations
		WHERE account_login = $1 ORDER BY updated_at DESC LIMIT 1`, accountLogin)

	inst := &models.GitHubInstallation{}
	var data []byte
	err := row.Scan(&inst.InstallationID, &inst.AccountLogin, &inst.AccountType,
		&inst.Org, &inst.Team, &data, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan github installation: %w", err)
	}
	if len(data) > 0 {
		inst.Data = data
	}
	return inst, nil
}
