// Package directory implements the User Directory (C3): registration,
// authentication, lookup, and role/activation management backed by MongoDB.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/pkg/auth"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// Directory is the User Directory.
type Directory struct {
	collection *mongo.Collection
	hasher     *auth.PasswordHasher
	idGen      func() string
	logger     *logger.Logger
}

// New constructs a Directory over the users collection. idGen produces new
// user ids (typically uuid.NewString); it is injected so tests can supply
// deterministic ids.
func New(collection *mongo.Collection, hasher *auth.PasswordHasher, idGen func() string, log *logger.Logger) *Directory {
	return &Directory{collection: collection, hasher: hasher, idGen: idGen, logger: log}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a new active user with the given email, password, and
// roles. Email is case-folded and must be unique among all users.
func (d *Directory) Register(ctx context.Context, email, password string, roles []string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperror.New(apperror.KindValidation, "email is required")
	}
	if len(roles) == 0 {
		roles = []string{models.RoleUser}
	}

	hash, err := d.hasher.HashPassword(password)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "password does not meet policy requirements", err)
	}

	now := time.Now()
	user := &models.User{
		ID:           d.idGen(),
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := d.collection.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperror.New(apperror.KindValidation, "an account with this email already exists").WithReason("duplicate_email")
		}
		return nil, apperror.Wrap(apperror.KindInternal, "failed to register user", err)
	}

	d.logger.Audit(ctx, "user_registered", user.ID, user.ID, logger.String("email", user.Email))
	return user, nil
}

// Authenticate verifies email/password and returns the user on success.
// It always performs a bcrypt comparison — against the real hash when the
// user exists, against a fixed dummy hash otherwise — so the operation's
// timing does not reveal whether the email is registered.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)

	user, err := d.findByEmail(ctx, email)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to look up user", err)
	}

	hashToCheck := d.hasher.DummyHash()
	if user != nil {
		hashToCheck = user.PasswordHash
	}

	valid, verr := d.hasher.VerifyPassword(password, hashToCheck)
	if verr != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "password verification failed", verr)
	}

	if user == nil || !valid {
		return nil, apperror.New(apperror.KindAuthentication, "invalid email or password").WithReason("invalid_credentials")
	}
	if !user.Active {
		return nil, apperror.New(apperror.KindAuthentication, "account is deactivated").WithReason("inactive")
	}

	d.logger.Audit(ctx, "user_authenticated", user.ID, user.ID)
	return user, nil
}

func (d *Directory) findByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := d.collection.FindOne(ctx, bson.M{"email": email}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, err
	}
	return &user, nil
}

// FindByID returns the user with the given id.
func (d *Directory) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := d.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperror.New(apperror.KindNotFound, "user not found")
		}
		return nil, apperror.Wrap(apperror.KindInternal, "failed to look up user", err)
	}
	return &user, nil
}

// FindByEmail returns the user with the given email.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := d.findByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperror.New(apperror.KindNotFound, "user not found")
		}
		return nil, apperror.Wrap(apperror.KindInternal, "failed to look up user", err)
	}
	return user, nil
}

// Search returns users whose email contains the given substring (case
// insensitive), limited to limit results. Used by the Admin Surface.
func (d *Directory) Search(ctx context.Context, emailSubstring string, limit int64) ([]models.User, error) {
	filter := bson.M{}
	if emailSubstring != "" {
		filter["email"] = bson.M{"$regex": strings.ToLower(emailSubstring), "$options": "i"}
	}

	opts := options.Find().SetLimit(limit).SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := d.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to search users", err)
	}
	defer cursor.Close(ctx)

	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to decode users", err)
	}
	return users, nil
}

// SetRoles replaces userID's role set. Callers are responsible for bumping
// the Authorization Engine's decision cache version for userID afterward.
func (d *Directory) SetRoles(ctx context.Context, userID string, roles []string) error {
	res, err := d.collection.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"roles": roles, "updated_at": time.Now()}},
	)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "failed to update roles", err)
	}
	if res.MatchedCount == 0 {
		return apperror.New(apperror.KindNotFound, "user not found")
	}

	d.logger.Audit(ctx, "user_roles_changed", userID, userID, logger.Strings("roles", roles))
	return nil
}

// SetActive activates or deactivates userID. Callers are responsible for
// revoking the user's sessions when deactivating.
func (d *Directory) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := d.collection.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"active": active, "updated_at": time.Now()}},
	)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "failed to update active state", err)
	}
	if res.MatchedCount == 0 {
		return apperror.New(apperror.KindNotFound, "user not found")
	}

	d.logger.Audit(ctx, "user_active_changed", userID, userID, logger.String("active", boolLabel(active)))
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RoleLookup returns a credential.UserLookup-compatible closure: email,
// roles, and active state for userID, used by the Credential Service at
// rotate time to re-derive fresh claims.
func (d *Directory) RoleLookup(ctx context.Context, userID string) (string, []string, bool, error) {
	user, err := d.FindByID(ctx, userID)
	if err != nil {
		return "", nil, false, err
	}
	return user.Email, user.Roles, user.Active, nil
}

// EnsureIndexes creates the unique email index.
func (d *Directory) EnsureIndexes(ctx context.Context) error {
	_, err := d.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
