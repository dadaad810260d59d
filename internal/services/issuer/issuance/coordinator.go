// Package issuance orchestrates credential issuance: it ensures the
// requested account and user exist, keeps the broker's view of accounts in
// sync, and packages the credential bundle handed back to the client.
package issuance

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
	"github.com/relaymesh/credserver/internal/platform/timeouts"
	"github.com/relaymesh/credserver/internal/services/issuer/claims"
	"github.com/relaymesh/credserver/internal/services/issuer/credfile"
	"github.com/relaymesh/credserver/internal/services/issuer/domain"
	"github.com/relaymesh/credserver/internal/services/issuer/keystore"
)

// Store is the keystore surface the coordinator depends on.
type Store interface {
	GetAccount(ctx context.Context, name string) (domain.Account, error)
	CreateAccount(ctx context.Context, name string, sign keystore.SignAccountFunc) (domain.Account, bool, error)
	DiscardAccount(ctx context.Context, name string) error
	GetUser(ctx context.Context, account, name string) (domain.User, error)
	CreateUser(ctx context.Context, account, name string, sign keystore.SignUserFunc) (domain.User, bool, error)
}

// Publisher pushes a signed account claim to the running broker.
type Publisher interface {
	Publish(ctx context.Context, account domain.Account) error
}

// Record describes one completed issuance for the audit log.
type Record struct {
	Account        string
	User           string
	AccountCreated bool
	UserCreated    bool
	IssuedAt       time.Time
}

// Auditor records completed issuances. Implementations must tolerate
// concurrent calls; failures are logged, never surfaced to the requester.
type Auditor interface {
	RecordIssuance(ctx context.Context, record Record) error
}

// Coordinator serializes identity creation per account name and hands out
// credential bundles. Safe for arbitrary concurrent use; requests for
// distinct accounts proceed fully in parallel.
type Coordinator struct {
	operator  domain.Operator
	store     Store
	builder   *claims.Builder
	publisher Publisher
	auditor   Auditor
	locks     *lockTable
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a coordinator. The operator must already be loaded; auditor
// may be nil to disable audit logging.
func New(operator domain.Operator, store Store, builder *claims.Builder, publisher Publisher, auditor Auditor) *Coordinator {
	return &Coordinator{
		operator:  operator,
		store:     store,
		builder:   builder,
		publisher: publisher,
		auditor:   auditor,
		locks:     newLockTable(),
		tracer:    otel.Tracer("github.com/relaymesh/credserver/internal/services/issuer/issuance"),
		now:       time.Now,
	}
}

// Issue returns the credential bundle for (accountName, userName), creating
// the account and user on first reference. Two concurrent calls for the
// same pair both succeed with credentials for the same underlying keypair.
//
// The caller sees either a complete bundle or a single failure: invalid
// names surface IDENTITY_INVALID, everything else ISSUANCE_FAILED wrapping
// the cause.
func (c *Coordinator) Issue(ctx context.Context, accountName, userName string) ([]byte, error) {
	if err := domain.ValidateName(accountName); err != nil {
		return nil, err
	}
	if err := domain.ValidateName(userName); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "issuer.issue", trace.WithAttributes(
		attribute.String("issuer.account", accountName),
		attribute.String("issuer.user", userName),
	))
	defer span.End()

	// Creation work runs to completion even when the requester disconnects:
	// a wasted computation is safer than an aborted write.
	workCtx := context.WithoutCancel(ctx)

	accountLock := c.locks.get("account/" + accountName)
	accountLock.Lock()
	defer accountLock.Unlock()

	account, accountCreated, err := c.ensureAccount(workCtx, accountName)
	if err != nil {
		span.RecordError(err)
		return nil, asIssuanceFailed("establish account", err)
	}

	userLock := c.locks.get("user/" + accountName + "/" + userName)
	userLock.Lock()
	defer userLock.Unlock()

	user, userCreated, err := c.ensureUser(workCtx, account, userName)
	if err != nil {
		span.RecordError(err)
		return nil, asIssuanceFailed("establish user", err)
	}

	bundle, err := credfile.Package(user.Claim, user.PrivateKey)
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.Wrap(apperrors.CodeIssuanceFailed, "package credentials", err)
	}

	c.audit(workCtx, Record{
		Account:        accountName,
		User:           userName,
		AccountCreated: accountCreated,
		UserCreated:    userCreated,
		IssuedAt:       c.now().UTC(),
	})
	return bundle, nil
}

// ensureAccount fetches the account, creating and publishing it on a lookup
// miss. A broker publish failure discards the fresh account so a retry can
// recreate it cleanly; an account is established only once the broker
// accepted its claim. When the lookup miss was stale and CreateAccount
// resolved to an account another process already persisted, that account is
// never rolled back: discarding it would destroy an established account and
// every user keypair under it.
func (c *Coordinator) ensureAccount(ctx context.Context, name string) (domain.Account, bool, error) {
	account, err := c.store.GetAccount(ctx, name)
	if err == nil {
		return account, false, nil
	}
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		return domain.Account{}, false, err
	}

	account, created, err := c.store.CreateAccount(ctx, name, func(fresh domain.Account) (string, error) {
		return c.builder.BuildAccountClaim(fresh, c.operator)
	})
	if err != nil {
		return domain.Account{}, false, err
	}

	// Republishing a fetched account is a broker no-op, so the publish runs
	// on both paths.
	publishCtx, cancel := context.WithTimeout(ctx, timeouts.BrokerPublish)
	defer cancel()
	if err := c.publisher.Publish(publishCtx, account); err != nil {
		if created {
			if discardErr := c.store.DiscardAccount(ctx, name); discardErr != nil {
				log.Printf("discard unpublished account %s: %v", name, discardErr)
			}
		}
		return domain.Account{}, false, err
	}
	return account, created, nil
}

// ensureUser fetches the user, creating it on a lookup miss. Users need no
// broker publish: the broker resolves them through the account's trusted
// key.
func (c *Coordinator) ensureUser(ctx context.Context, account domain.Account, name string) (domain.User, bool, error) {
	user, err := c.store.GetUser(ctx, account.Name, name)
	if err == nil {
		return user, false, nil
	}
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		return domain.User{}, false, err
	}

	user, created, err := c.store.CreateUser(ctx, account.Name, name, func(fresh domain.User) (string, error) {
		return c.builder.BuildUserClaim(fresh, account)
	})
	if err != nil {
		return domain.User{}, false, err
	}
	return user, created, nil
}

func (c *Coordinator) audit(ctx context.Context, record Record) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.RecordIssuance(ctx, record); err != nil {
		log.Printf("record issuance %s/%s: %v", record.Account, record.User, err)
	}
}

// asIssuanceFailed collapses internal failures into the single error code
// surfaced across the issuance boundary, keeping the cause attached for
// diagnostics.
func asIssuanceFailed(message string, err error) error {
	if apperrors.CodeOf(err) == apperrors.CodeIssuanceFailed {
		return err
	}
	return apperrors.Wrap(apperrors.CodeIssuanceFailed, message, err)
}
