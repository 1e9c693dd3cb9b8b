package store

// Schemas are applied on every Open; every statement is idempotent.
// tags is shared with the legacy schema, so its shape must stay compatible.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS source_targets (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source          TEXT NOT NULL,
    target_type     TEXT NOT NULL,
    target_key      TEXT NOT NULL,
    display_name    TEXT NOT NULL DEFAULT '',
    description     TEXT,
    monitor_enabled BOOLEAN NOT NULL DEFAULT 0,
    fetch_interval  INTEGER NOT NULL DEFAULT 60,
    options         TEXT NOT NULL DEFAULT '{}',
    last_fetched_at DATETIME,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    UNIQUE(source, target_type, target_key)
);

CREATE INDEX IF NOT EXISTS idx_source_targets_source ON source_targets(source);

CREATE TABLE IF NOT EXISTS source_items (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    target_id    INTEGER REFERENCES source_targets(id) ON DELETE SET NULL,
    source       TEXT NOT NULL,
    external_id  TEXT NOT NULL,
    item_type    TEXT NOT NULL DEFAULT 'post',
    title        TEXT NOT NULL DEFAULT '',
    content      TEXT,
    author       TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL DEFAULT '',
    score        INTEGER NOT NULL DEFAULT 0,
    num_comments INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    fetched_at   DATETIME NOT NULL,
    UNIQUE(source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_source_items_target ON source_items(target_id);
CREATE INDEX IF NOT EXISTS idx_source_items_fetched_at ON source_items(fetched_at);

CREATE TABLE IF NOT EXISTS source_comments (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     INTEGER NOT NULL REFERENCES source_items(id) ON DELETE CASCADE,
    source      TEXT NOT NULL,
    external_id TEXT NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    author      TEXT NOT NULL DEFAULT '',
    score       INTEGER NOT NULL DEFAULT 0,
    parent_id   INTEGER REFERENCES source_comments(id) ON DELETE SET NULL,
    depth       INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    fetched_at  DATETIME NOT NULL,
    UNIQUE(source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_source_comments_item ON source_comments(item_id);
CREATE INDEX IF NOT EXISTS idx_source_comments_parent ON source_comments(parent_id);

CREATE TABLE IF NOT EXISTS source_item_payloads (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     INTEGER NOT NULL UNIQUE REFERENCES source_items(id) ON DELETE CASCADE,
    source      TEXT NOT NULL,
    external_id TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    fetched_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS source_comment_payloads (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    comment_id  INTEGER NOT NULL UNIQUE REFERENCES source_comments(id) ON DELETE CASCADE,
    source      TEXT NOT NULL,
    external_id TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    fetched_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tags (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    color       TEXT DEFAULT '#1890ff',
    description TEXT
);

CREATE TABLE IF NOT EXISTS source_item_tags (
    source_item_id INTEGER NOT NULL REFERENCES source_items(id) ON DELETE CASCADE,
    tag_id         INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (source_item_id, tag_id)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS source_targets (
    id              BIGSERIAL PRIMARY KEY,
    source          VARCHAR(32) NOT NULL,
    target_type     VARCHAR(32) NOT NULL,
    target_key      VARCHAR(200) NOT NULL,
    display_name    VARCHAR(200) NOT NULL DEFAULT '',
    description     TEXT,
    monitor_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    fetch_interval  INTEGER NOT NULL DEFAULT 60,
    options         JSONB NOT NULL DEFAULT '{}'::jsonb,
    last_fetched_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source, target_type, target_key)
);

CREATE INDEX IF NOT EXISTS idx_source_targets_source ON source_targets(source);

CREATE TABLE IF NOT EXISTS source_items (
    id           BIGSERIAL PRIMARY KEY,
    target_id    BIGINT REFERENCES source_targets(id) ON DELETE SET NULL,
    source       VARCHAR(32) NOT NULL,
    external_id  VARCHAR(64) NOT NULL,
    item_type    VARCHAR(32) NOT NULL DEFAULT 'post',
    title        TEXT NOT NULL DEFAULT '',
    content      TEXT,
    author       VARCHAR(100) NOT NULL DEFAULT '',
    url          TEXT NOT NULL DEFAULT '',
    score        INTEGER NOT NULL DEFAULT 0,
    num_comments INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL,
    fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_source_items_target ON source_items(target_id);
CREATE INDEX IF NOT EXISTS idx_source_items_fetched_at ON source_items(fetched_at);

CREATE TABLE IF NOT EXISTS source_comments (
    id          BIGSERIAL PRIMARY KEY,
    item_id     BIGINT NOT NULL REFERENCES source_items(id) ON DELETE CASCADE,
    source      VARCHAR(32) NOT NULL,
    external_id VARCHAR(64) NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    author      VARCHAR(100) NOT NULL DEFAULT '',
    score       INTEGER NOT NULL DEFAULT 0,
    parent_id   BIGINT REFERENCES source_comments(id) ON DELETE SET NULL,
    depth       INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_source_comments_item ON source_comments(item_id);
CREATE INDEX IF NOT EXISTS idx_source_comments_parent ON source_comments(parent_id);

CREATE TABLE IF NOT EXISTS source_item_payloads (
    id          BIGSERIAL PRIMARY KEY,
    item_id     BIGINT NOT NULL UNIQUE REFERENCES source_items(id) ON DELETE CASCADE,
    source      VARCHAR(32) NOT NULL,
    external_id VARCHAR(64) NOT NULL,
    payload     JSONB NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_comment_payloads (
    id          BIGSERIAL PRIMARY KEY,
    comment_id  BIGINT NOT NULL UNIQUE REFERENCES source_comments(id) ON DELETE CASCADE,
    source      VARCHAR(32) NOT NULL,
    external_id VARCHAR(64) NOT NULL,
    payload     JSONB NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tags (
    id          SERIAL PRIMARY KEY,
    name        VARCHAR(50) NOT NULL UNIQUE,
    color       VARCHAR(20) DEFAULT '#1890ff',
    description TEXT
);

CREATE TABLE IF NOT EXISTS source_item_tags (
    source_item_id BIGINT NOT NULL REFERENCES source_items(id) ON DELETE CASCADE,
    tag_id         INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (source_item_id, tag_id)
);
`
