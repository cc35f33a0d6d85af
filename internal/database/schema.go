// internal/database/schema.go
package database

// Schema is the DDL PostgresStore expects. Deployments manage migrations
// themselves; EnsureSchema exists for local runs and integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS lobbies (
	id              UUID PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'waiting'
	                CHECK (status IN ('waiting', 'active', 'finished')),
	mode            TEXT NOT NULL DEFAULT 'standard',
	leader_id       TEXT,
	max_players     INT NOT NULL CHECK (max_players BETWEEN 2 AND 4),
	next_join_order INT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS lobbies_status_created_idx ON lobbies (status, created_at);

CREATE TABLE IF NOT EXISTS lobby_players (
	id         BIGSERIAL PRIMARY KEY,
	lobby_id   UUID NOT NULL REFERENCES lobbies (id) ON DELETE CASCADE,
	player_id  TEXT NOT NULL,
	join_order INT NOT NULL,
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (lobby_id, player_id)
);

CREATE TABLE IF NOT EXISTS game_sessions (
	id               UUID PRIMARY KEY,
	lobby_id         UUID NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('active', 'finished')),
	mode             TEXT NOT NULL DEFAULT '',
	player_ids       TEXT[] NOT NULL,
	game_state       JSONB,
	metadata         JSONB,
	current_turn     INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	outcome          TEXT
);
`
