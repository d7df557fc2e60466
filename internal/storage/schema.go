package storage

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_tokens (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
	`CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER UNIQUE,
		display_name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 9,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(student_id) REFERENCES students(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_student ON conversations(student_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		turn_id TEXT NOT NULL DEFAULT '',
		provisional INTEGER NOT NULL DEFAULT 0,
		file_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_turn ON messages(turn_id)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		quiz_id INTEGER NOT NULL,
		local_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		answer_index INTEGER NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY(quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		text TEXT NOT NULL,
		FOREIGN KEY(question_id) REFERENCES quiz_questions(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		quiz_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		finished INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY(quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE,
		FOREIGN KEY(student_id) REFERENCES students(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_attempt_answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id INTEGER NOT NULL,
		question_local_id INTEGER NOT NULL,
		selected_index INTEGER,
		selected_text TEXT NOT NULL,
		is_correct INTEGER NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(attempt_id) REFERENCES quiz_attempts(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS media_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		stored_path TEXT NOT NULL,
		content_type TEXT NOT NULL,
		caption TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		username VARCHAR(255) NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_tokens (
		token VARCHAR(255) NOT NULL PRIMARY KEY,
		user_id BIGINT UNSIGNED NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		INDEX idx_user_tokens_user (user_id),
		CONSTRAINT fk_user_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS students (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		user_id BIGINT UNSIGNED NULL UNIQUE,
		display_name VARCHAR(255) NOT NULL,
		age INT NOT NULL DEFAULT 9,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_students_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		student_id BIGINT UNSIGNED NOT NULL,
		title VARCHAR(255) NOT NULL,
		topic VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (id),
		INDEX idx_conversations_student (student_id),
		CONSTRAINT fk_conversations_student FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		conversation_id BIGINT UNSIGNED NOT NULL,
		sender VARCHAR(32) NOT NULL,
		message_type VARCHAR(32) NOT NULL,
		content MEDIUMTEXT NOT NULL,
		metadata TEXT NOT NULL,
		turn_id VARCHAR(64) NOT NULL DEFAULT '',
		provisional TINYINT NOT NULL DEFAULT 0,
		file_path VARCHAR(512) NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id),
		INDEX idx_messages_conversation (conversation_id),
		INDEX idx_messages_turn (turn_id),
		CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS quizzes (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		conversation_id BIGINT UNSIGNED NULL,
		title VARCHAR(255) NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_quizzes_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE SET NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS quiz_questions (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		quiz_id BIGINT UNSIGNED NOT NULL,
		local_id INT NOT NULL,
		text TEXT NOT NULL,
		answer_index INT NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_questions_quiz FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS quiz_options (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		question_id BIGINT UNSIGNED NOT NULL,
		position INT NOT NULL,
		text VARCHAR(512) NOT NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_options_question FOREIGN KEY (question_id) REFERENCES quiz_questions(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS quiz_attempts (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		quiz_id BIGINT UNSIGNED NOT NULL,
		student_id BIGINT UNSIGNED NOT NULL,
		score INT NOT NULL DEFAULT 0,
		total INT NOT NULL DEFAULT 0,
		finished TINYINT NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_attempts_quiz FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE,
		CONSTRAINT fk_attempts_student FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS quiz_attempt_answers (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		attempt_id BIGINT UNSIGNED NOT NULL,
		question_local_id INT NOT NULL,
		selected_index INT NULL,
		selected_text VARCHAR(512) NOT NULL,
		is_correct TINYINT NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_answers_attempt FOREIGN KEY (attempt_id) REFERENCES quiz_attempts(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS media_files (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		conversation_id BIGINT UNSIGNED NOT NULL,
		kind VARCHAR(32) NOT NULL,
		stored_path VARCHAR(512) NOT NULL,
		content_type VARCHAR(128) NOT NULL,
		caption VARCHAR(512) NOT NULL DEFAULT '',
		size BIGINT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id),
		CONSTRAINT fk_media_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_tokens (
		token TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
	`CREATE TABLE IF NOT EXISTS students (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT UNIQUE REFERENCES users(id) ON DELETE SET NULL,
		display_name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 9,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_student ON conversations(student_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		turn_id TEXT NOT NULL DEFAULT '',
		provisional SMALLINT NOT NULL DEFAULT 0,
		file_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_turn ON messages(turn_id)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT REFERENCES conversations(id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_questions (
		id BIGSERIAL PRIMARY KEY,
		quiz_id BIGINT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
		local_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		answer_index INTEGER NOT NULL,
		position INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_options (
		id BIGSERIAL PRIMARY KEY,
		question_id BIGINT NOT NULL REFERENCES quiz_questions(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		text TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_attempts (
		id BIGSERIAL PRIMARY KEY,
		quiz_id BIGINT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
		student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		score INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		finished SMALLINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_attempt_answers (
		id BIGSERIAL PRIMARY KEY,
		attempt_id BIGINT NOT NULL REFERENCES quiz_attempts(id) ON DELETE CASCADE,
		question_local_id INTEGER NOT NULL,
		selected_index INTEGER,
		selected_text TEXT NOT NULL,
		is_correct SMALLINT NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media_files (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		stored_path TEXT NOT NULL,
		content_type TEXT NOT NULL,
		caption TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}
