// Package migrations defines all database migrations for the access control plane.
// This file contains the ordered list of all migrations that need to be applied to the database.
package migrations

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gatekeep/accessplane/pkg/database"
)

// getAllMigrations returns all available migrations in the system.
// Migrations should be added to this list in version order.
func getAllMigrations() []Migration {
	return []Migration{
		migration001InitialIndexes(),
		migration002PermissionGrantLookupIndex(),
		// Add new migrations here...
	}
}

// migration001InitialIndexes creates the users and permission_grants
// indexes every deployment needs (unique email, role lookup, grant times).
func migration001InitialIndexes() Migration {
	return Migration{
		Version:     1,
		Description: "Create initial indexes for the user directory",
		Up: func(ctx context.Context, db *database.Client) error {
			return db.CreateIndexes(ctx)
		},
		Down: func(ctx context.Context, db *database.Client) error {
			collections := []string{"users", "permission_grants"}
			for _, name := range collections {
				collection := db.Collection(name)
				cursor, err := collection.Indexes().List(ctx)
				if err != nil {
					return err
				}
				var indexes []map[string]interface{}
				if err := cursor.All(ctx, &indexes); err != nil {
					return err
				}
				for _, index := range indexes {
					if name, ok := index["name"].(string); ok && name != "_id_" {
						if _, err := collection.Indexes().DropOne(ctx, name); err != nil {
							return err
						}
					}
				}
			}
			return nil
		},
	}
}

// migration002PermissionGrantLookupIndex adds the compound index the
// Authorization Engine's GrantLookup relies on to resolve a subject's grants
// without a collection scan.
func migration002PermissionGrantLookupIndex() Migration {
	indexName := "subject_resource_type_lookup"

	return Migration{
		Version:     2,
		Description: "Add subject/resource-type compound index to permission_grants",
		Up: func(ctx context.Context, db *database.Client) error {
			collection := db.Collection("permission_grants")
			_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
				Keys: bson.D{
					{Key: "subject", Value: 1},
					{Key: "resource_type", Value: 1},
				},
				Options: options.Index().SetName(indexName),
			})
			return err
		},
		Down: func(ctx context.Context, db *database.Client) error {
			collection := db.Collection("permission_grants")
			_, err := collection.Indexes().DropOne(ctx, indexName)
			return err
		},
	}
}
