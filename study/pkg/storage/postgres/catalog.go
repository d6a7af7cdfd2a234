package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/storage"
)

// PutContainer registers a container and returns its row id.
func (s *Store) PutContainer(ctx context.Context, entityID, name, parent string) (int64, error) {
	var parentArg any
	if parent != "" {
		parentArg = parent
	}
	var rowID int64
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO containers (entity_id, name, parent)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id) DO UPDATE SET name = EXCLUDED.name, parent = EXCLUDED.parent
		RETURNING row_id
	`, entityID, name, parentArg).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("failed to put container %s: %w", entityID, err)
	}
	return rowID, nil
}

func (s *Store) PutStudy(ctx context.Context, study *model.Study) error {
	def, err := json.Marshal(study)
	if err != nil {
		return fmt.Errorf("failed to encode study: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO studies (container, definition)
		VALUES ($1, $2)
		ON CONFLICT (container) DO UPDATE SET definition = EXCLUDED.definition, updated_at = now()
	`, study.ContainerID, def)
	if err != nil {
		return fmt.Errorf("failed to put study in %s: %w", study.ContainerID, err)
	}
	return nil
}

func (s *Store) PutDataset(ctx context.Context, ds *model.Dataset) error {
	def, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO dataset_definitions (container, dataset_id, entity_id, name, definition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (container, dataset_id) DO UPDATE
		SET name = EXCLUDED.name, definition = EXCLUDED.definition, updated_at = now()
	`, ds.Container, ds.ID, ds.EntityID, ds.Name, def)
	if err != nil {
		return fmt.Errorf("failed to put dataset %q: %w", ds.Name, err)
	}
	return nil
}

// PutParticipantAliases replaces the alias table of a study container.
func (s *Store) PutParticipantAliases(ctx context.Context, container string, aliases map[string]string) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).Exec(ctx, `DELETE FROM participant_aliases WHERE container = $1`, container); err != nil {
			return fmt.Errorf("failed to clear participant aliases: %w", err)
		}
		batch := &pgx.Batch{}
		for alias, ptid := range aliases {
			batch.Queue(`INSERT INTO participant_aliases (container, alias, participant_id) VALUES ($1, $2, $3)`, container, alias, ptid)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := s.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert participant aliases: %w", err)
		}
		return nil
	})
}

func (s *Store) PutLookupRemap(ctx context.Context, lookup model.Lookup, remap map[string]int64) error {
	for oldID, newID := range remap {
		_, err := s.q(ctx).Exec(ctx, `
			INSERT INTO lookup_remaps (schema_name, table_name, old_id, new_id)
			VALUES (lower($1), lower($2), $3, $4)
			ON CONFLICT (schema_name, table_name, old_id) DO UPDATE SET new_id = EXCLUDED.new_id
		`, lookup.Schema, lookup.Table, oldID, newID)
		if err != nil {
			return fmt.Errorf("failed to put remap for %s.%s: %w", lookup.Schema, lookup.Table, err)
		}
	}
	return nil
}

func (s *Store) Study(ctx context.Context, container string) (*model.Study, error) {
	var (
		def   []byte
		rowID int64
	)
	err := s.q(ctx).QueryRow(ctx, `
		SELECT s.definition, c.row_id
		FROM studies s
		JOIN containers c ON c.entity_id = s.container
		WHERE s.container = $1
	`, container).Scan(&def, &rowID)
	if err != nil {
		return nil, notFound(err, "study in %s", container)
	}
	var study model.Study
	if err := json.Unmarshal(def, &study); err != nil {
		return nil, fmt.Errorf("failed to decode study in %s: %w", container, err)
	}
	study.ContainerID = container
	study.ContainerRowID = rowID
	return &study, nil
}

// Dataset loads a dataset definition from container, or a shared definition
// from its parent.
func (s *Store) Dataset(ctx context.Context, container string, datasetID int) (*model.Dataset, error) {
	var (
		defContainer, entityID, name string
		def                          []byte
	)
	err := s.q(ctx).QueryRow(ctx, `
		SELECT container, entity_id, name, definition
		FROM dataset_definitions
		WHERE dataset_id = $2
		  AND (container = $1 OR container = (SELECT parent FROM containers WHERE entity_id = $1))
		ORDER BY container = $1 DESC
		LIMIT 1
	`, container, datasetID).Scan(&defContainer, &entityID, &name, &def)
	if err != nil {
		return nil, notFound(err, "dataset %d in %s", datasetID, container)
	}
	var ds model.Dataset
	if err := json.Unmarshal(def, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode dataset %d: %w", datasetID, err)
	}
	ds.ID = datasetID
	ds.Container = defContainer
	ds.EntityID = entityID
	ds.Name = name
	if defContainer != container && !ds.IsShared() {
		return nil, fmt.Errorf("dataset %d in %s: %w", datasetID, container, storage.ErrNotFound)
	}
	study, err := s.Study(ctx, defContainer)
	if err != nil {
		return nil, err
	}
	ds.Study = study
	return &ds, nil
}

func (s *Store) QCStates(ctx context.Context, container string) ([]model.QCState, error) {
	rs, err := s.q(ctx).Query(ctx, `
		SELECT row_id, container, label, description, public_data
		FROM qc_states
		WHERE container = $1
		ORDER BY row_id
	`, container)
	if err != nil {
		return nil, fmt.Errorf("failed to query QC states: %w", err)
	}
	states, err := pgx.CollectRows(rs, pgx.RowToStructByPos[model.QCState])
	if err != nil {
		return nil, fmt.Errorf("failed to scan QC states: %w", err)
	}
	return states, nil
}

func (s *Store) InsertQCState(ctx context.Context, state model.QCState) (model.QCState, error) {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO qc_states (container, label, description, public_data)
		VALUES ($1, $2, $3, $4)
		RETURNING row_id
	`, state.Container, state.Label, state.Description, state.PublicData).Scan(&state.RowID)
	if err != nil {
		return model.QCState{}, fmt.Errorf("failed to insert QC state %q: %w", state.Label, err)
	}
	return state, nil
}

func (s *Store) ParticipantAliases(ctx context.Context, study *model.Study) (map[string]string, error) {
	rs, err := s.q(ctx).Query(ctx, `SELECT alias, participant_id FROM participant_aliases WHERE container = $1`, study.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participant aliases: %w", err)
	}
	defer rs.Close()
	out := map[string]string{}
	for rs.Next() {
		var alias, ptid string
		if err := rs.Scan(&alias, &ptid); err != nil {
			return nil, fmt.Errorf("failed to scan participant alias: %w", err)
		}
		out[alias] = ptid
	}
	return out, rs.Err()
}

func (s *Store) ContainerRowID(ctx context.Context, entityID string) (int64, error) {
	var rowID int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT row_id FROM containers WHERE entity_id = $1`, entityID).Scan(&rowID); err != nil {
		return 0, notFound(err, "container %s", entityID)
	}
	return rowID, nil
}

func (s *Store) LookupRemap(ctx context.Context, lookup model.Lookup) (map[string]any, error) {
	rs, err := s.q(ctx).Query(ctx, `
		SELECT old_id, new_id FROM lookup_remaps
		WHERE schema_name = lower($1) AND table_name = lower($2)
	`, lookup.Schema, lookup.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query lookup remap: %w", err)
	}
	defer rs.Close()
	out := map[string]any{}
	for rs.Next() {
		var (
			oldID string
			newID int64
		)
		if err := rs.Scan(&oldID, &newID); err != nil {
			return nil, fmt.Errorf("failed to scan lookup remap: %w", err)
		}
		out[oldID] = newID
	}
	return out, rs.Err()
}
