package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"goa.design/flow/workflow"
)

const definitionColumns = `id, slug, version, name, description, steps, triggers,
	parameters_schema, default_parameters, metadata, dag, created_at, updated_at`

// CreateDefinition validates and persists a definition, replacing its asset
// declaration rows in the same transaction.
func (s *Store) CreateDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	steps, err := encodeJSON(def.Steps)
	if err != nil {
		return nil, err
	}
	triggers, err := encodeJSON(def.Triggers)
	if err != nil {
		return nil, err
	}
	paramsSchema, err := encodeJSON(def.ParametersSchema)
	if err != nil {
		return nil, err
	}
	defaults, err := encodeJSON(def.DefaultParameters)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeJSON(def.Metadata)
	if err != nil {
		return nil, err
	}
	dag, err := encodeJSON(def.DAG)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if def.Version == 0 {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE slug = $1`,
				def.Slug).Scan(&def.Version); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_definitions
				(id, slug, version, name, description, steps, triggers,
				 parameters_schema, default_parameters, metadata, dag, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			def.ID, def.Slug, def.Version, def.Name, def.Description, steps, triggers,
			paramsSchema, defaults, metadata, dag, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM workflow_definition_assets WHERE workflow_definition_id = $1`, def.ID); err != nil {
			return err
		}
		for _, step := range def.Steps {
			for _, decl := range step.Produces {
				if err := insertDeclaration(ctx, tx, def.ID, step.ID, decl, string(workflow.AssetDirectionProduces)); err != nil {
					return err
				}
			}
			for _, decl := range step.Consumes {
				if err := insertDeclaration(ctx, tx, def.ID, step.ID, decl, string(workflow.AssetDirectionConsumes)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	s.emit(ctx, workflow.EventDefinitionUpdated, map[string]any{
		"workflowDefinitionId": def.ID,
		"slug":                 def.Slug,
		"version":              float64(def.Version),
	})
	return def, nil
}

func insertDeclaration(ctx context.Context, tx pgx.Tx, defID, stepID string, decl *workflow.AssetDeclaration, direction string) error {
	if decl == nil || workflow.NormalizeAssetID(decl.AssetID) == "" {
		return nil
	}
	raw, err := encodeJSON(decl)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_definition_assets
			(workflow_definition_id, step_id, asset_id, asset_key, direction, declaration)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_definition_id, step_id, asset_key, direction)
		DO UPDATE SET asset_id = EXCLUDED.asset_id, declaration = EXCLUDED.declaration`,
		defID, stepID, workflow.NormalizeAssetID(decl.AssetID), workflow.NormalizeAssetKey(decl.AssetID), direction, raw)
	return err
}

// GetDefinition loads a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if err != nil {
		return nil, notFound(err, "definition", id)
	}
	return def, nil
}

// GetDefinitionBySlug loads the latest version of a definition.
func (s *Store) GetDefinitionBySlug(ctx context.Context, slug string) (*workflow.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE slug = $1 ORDER BY version DESC LIMIT 1`, slug)
	def, err := scanDefinition(row)
	if err != nil {
		return nil, notFound(err, "definition", slug)
	}
	return def, nil
}

// FindProducerDefinitionID resolves the definition that should reproduce an
// asset partition: provenance first (who produced it last), then the
// declaration scan at the latest version.
func (s *Store) FindProducerDefinitionID(ctx context.Context, assetID, partitionKeyNormalized string) (string, error) {
	assetKey := workflow.NormalizeAssetKey(assetID)
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_definition_id FROM workflow_run_step_assets
		WHERE asset_key = $1 AND ($2 = '' OR partition_key_normalized = $2)
		ORDER BY produced_at DESC LIMIT 1`, assetKey, partitionKeyNormalized).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	err = s.pool.QueryRow(ctx, `
		SELECT a.workflow_definition_id
		FROM workflow_definition_assets a
		JOIN workflow_definitions d ON d.id = a.workflow_definition_id
		WHERE a.asset_key = $1 AND a.direction = $2
		ORDER BY d.version DESC LIMIT 1`,
		assetKey, string(workflow.AssetDirectionProduces)).Scan(&id)
	if err != nil {
		return "", notFound(err, "producer for asset", assetID)
	}
	return id, nil
}

func scanDefinition(row pgx.Row) (*workflow.Definition, error) {
	var (
		def                                                    workflow.Definition
		steps, triggers, paramsSchema, defaults, metadata, dag []byte
	)
	if err := row.Scan(&def.ID, &def.Slug, &def.Version, &def.Name, &def.Description,
		&steps, &triggers, &paramsSchema, &defaults, &metadata, &dag,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(steps, &def.Steps); err != nil {
		return nil, fmt.Errorf("decode definition steps: %w", err)
	}
	def.Triggers = decodeJSON(triggers)
	if err := decodeJSONInto(paramsSchema, &def.ParametersSchema); err != nil {
		return nil, fmt.Errorf("decode parameters schema: %w", err)
	}
	def.DefaultParameters = decodeJSON(defaults)
	def.Metadata = decodeJSON(metadata)
	if err := decodeJSONInto(dag, &def.DAG); err != nil {
		return nil, fmt.Errorf("decode dag: %w", err)
	}
	return &def, nil
}
