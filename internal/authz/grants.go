package authz

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/models"
)

// GrantStore persists Permission Grants in the permission_grants collection,
// unique-indexed on (subject, resource_type, resource_pattern).
type GrantStore struct {
	collection *mongo.Collection
	idGen      func() string
}

// NewGrantStore wraps the given collection handle. idGen mints a grant's id
// when Create is called with one unset (mirrors the User Directory's own
// injected-id-generator convention).
func NewGrantStore(collection *mongo.Collection, idGen func() string) *GrantStore {
	return &GrantStore{collection: collection, idGen: idGen}
}

// Create inserts a new grant, assigning an id if grant.ID is empty. Patterns
// are validated here, at grant-creation time, rather than at decision time —
// a malformed pattern should never be allowed to reach the evaluation path.
func (g *GrantStore) Create(ctx context.Context, grant models.PermissionGrant) (models.PermissionGrant, error) {
	if !ValidatePattern(grant.ResourcePattern) {
		return models.PermissionGrant{}, apperror.New(apperror.KindValidation, "resource_pattern is malformed").WithReason("invalid_pattern")
	}
	if grant.ID == "" {
		grant.ID = g.idGen()
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now()
	}

	_, err := g.collection.InsertOne(ctx, grant)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.PermissionGrant{}, apperror.New(apperror.KindValidation, "a grant for this subject, resource type, and pattern already exists").WithReason("duplicate_grant")
		}
		return models.PermissionGrant{}, apperror.Wrap(apperror.KindInternal, "failed to create permission grant", err)
	}
	return grant, nil
}

// Get returns the grant with the given id, for callers (the Admin Surface)
// that need to know its subject before invalidating the decision cache.
func (g *GrantStore) Get(ctx context.Context, id string) (models.PermissionGrant, error) {
	var grant models.PermissionGrant
	err := g.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&grant)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.PermissionGrant{}, apperror.New(apperror.KindNotFound, "permission grant not found")
		}
		return models.PermissionGrant{}, apperror.Wrap(apperror.KindInternal, "failed to load permission grant", err)
	}
	return grant, nil
}

// Revoke deletes a grant by id.
func (g *GrantStore) Revoke(ctx context.Context, id string) error {
	_, err := g.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "failed to revoke permission grant", err)
	}
	return nil
}

// ForSubjects returns all non-expired grants whose subject is in subjects
// (typically the principal's user id plus its role names).
func (g *GrantStore) ForSubjects(ctx context.Context, subjects []string) ([]models.PermissionGrant, error) {
	cursor, err := g.collection.Find(ctx, bson.M{"subject": bson.M{"$in": subjects}})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to load permission grants", err)
	}
	defer cursor.Close(ctx)

	var grants []models.PermissionGrant
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to decode permission grants", err)
	}

	now := time.Now()
	live := grants[:0]
	for _, gr := range grants {
		if !gr.Expired(now) {
			live = append(live, gr)
		}
	}
	return live, nil
}

// ListAll returns every stored grant (including expired ones, so the Admin
// Surface can show an operator what lapsed) — used by list_permissions.
func (g *GrantStore) ListAll(ctx context.Context) ([]models.PermissionGrant, error) {
	cursor, err := g.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to load permission grants", err)
	}
	defer cursor.Close(ctx)

	var grants []models.PermissionGrant
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to decode permission grants", err)
	}
	return grants, nil
}

// EnsureIndexes creates the unique index backing Create's duplicate check.
func (g *GrantStore) EnsureIndexes(ctx context.Context) error {
	_, err := g.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "subject", Value: 1}, {Key: "resource_type", Value: 1}, {Key: "resource_pattern", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
