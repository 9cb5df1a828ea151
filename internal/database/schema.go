package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            VARCHAR(64)  NOT NULL PRIMARY KEY,
		org_id        VARCHAR(64)  NOT NULL,
		email         VARCHAR(255) NOT NULL,
		display_name  VARCHAR(255) NOT NULL,
		avatar_url    VARCHAR(1024) NOT NULL DEFAULT '',
		password_hash VARCHAR(255) NOT NULL DEFAULT '',
		created_at    DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_users_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS channels (
		id          VARCHAR(64)  NOT NULL PRIMARY KEY,
		org_id      VARCHAR(64)  NOT NULL,
		kind        VARCHAR(16)  NOT NULL DEFAULT 'group',
		name        VARCHAR(255) NOT NULL,
		description VARCHAR(1024) NOT NULL DEFAULT '',
		is_default  BOOLEAN      NOT NULL DEFAULT FALSE,
		created_by  VARCHAR(64)  NOT NULL DEFAULT '',
		created_at  DATETIME(6)  NOT NULL,
		KEY idx_channels_org_default (org_id, is_default)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id VARCHAR(64) NOT NULL,
		user_id    VARCHAR(64) NOT NULL,
		role       VARCHAR(16) NOT NULL DEFAULT 'member',
		joined_at  DATETIME(6) NOT NULL,
		PRIMARY KEY (channel_id, user_id),
		KEY idx_members_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS messages (
		id           VARCHAR(64) NOT NULL PRIMARY KEY,
		channel_id   VARCHAR(64) NOT NULL,
		author_id    VARCHAR(64) NOT NULL,
		content      TEXT        NOT NULL,
		reply_to     VARCHAR(64) NOT NULL DEFAULT '',
		client_token VARCHAR(64) NOT NULL DEFAULT '',
		created_at   DATETIME(6) NOT NULL,
		edited_at    DATETIME(6) NULL,
		KEY idx_messages_channel_time (channel_id, created_at, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS attachments (
		id            VARCHAR(64)   NOT NULL PRIMARY KEY,
		message_id    VARCHAR(64)   NOT NULL,
		kind          VARCHAR(16)   NOT NULL,
		name          VARCHAR(255)  NOT NULL,
		size          BIGINT        NOT NULL DEFAULT 0,
		mime          VARCHAR(255)  NOT NULL DEFAULT '',
		object_key    VARCHAR(1024) NOT NULL DEFAULT '',
		url           VARCHAR(2048) NOT NULL DEFAULT '',
		thumbnail_url VARCHAR(2048) NOT NULL DEFAULT '',
		position      INT           NOT NULL DEFAULT 0,
		KEY idx_attachments_message (message_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS read_receipts (
		message_id VARCHAR(64) NOT NULL,
		user_id    VARCHAR(64) NOT NULL,
		channel_id VARCHAR(64) NOT NULL,
		read_at    DATETIME(6) NOT NULL,
		PRIMARY KEY (message_id, user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reactions (
		id         VARCHAR(64) NOT NULL PRIMARY KEY,
		message_id VARCHAR(64) NOT NULL,
		channel_id VARCHAR(64) NOT NULL,
		user_id    VARCHAR(64) NOT NULL,
		emoji      VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_reactions_message_user_emoji (message_id, user_id, emoji)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS stars (
		user_id    VARCHAR(64) NOT NULL,
		message_id VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (user_id, message_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS pins (
		channel_id VARCHAR(64) NOT NULL,
		message_id VARCHAR(64) NOT NULL,
		pinned_by  VARCHAR(64) NOT NULL,
		pinned_at  DATETIME(6) NOT NULL,
		PRIMARY KEY (channel_id, message_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS typing_markers (
		channel_id    VARCHAR(64)  NOT NULL,
		user_id       VARCHAR(64)  NOT NULL,
		display_name  VARCHAR(255) NOT NULL DEFAULT '',
		last_typed_at DATETIME(6)  NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
