package sqlite

import "github.com/maloquacious/fcl/internal/migrations"

// Migrations is the application schema history. Append new versions at the
// end; never edit a released entry.
var Migrations = migrations.MustRegistry(
	migrations.Migration{
		Version:     1,
		Description: "Create initial schema with accounts, categories, and transactions tables",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name NVARCHAR(50) NOT NULL UNIQUE,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS categories (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name NVARCHAR(255) NOT NULL UNIQUE,
				is_active BOOLEAN DEFAULT 1,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				parent_id INTEGER NULL
			)`,
			`CREATE TABLE IF NOT EXISTS transactions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id INTEGER,
				category_id INTEGER,
				type TEXT NOT NULL,
				amount REAL NOT NULL,
				description TEXT DEFAULT '',
				date DATE NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE SET NULL,
				FOREIGN KEY (category_id) REFERENCES categories(id) ON DELETE SET NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_accounts_name ON accounts(name)`,
			`CREATE INDEX IF NOT EXISTS idx_categories_name ON categories(name)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_account_id ON transactions(account_id)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_category_id ON transactions(category_id)`,
		},
		Down: []string{
			`DROP INDEX IF EXISTS idx_accounts_name`,
			`DROP INDEX IF EXISTS idx_categories_name`,
			`DROP INDEX IF EXISTS idx_transactions_category_id`,
			`DROP INDEX IF EXISTS idx_transactions_date`,
			`DROP INDEX IF EXISTS idx_transactions_account_id`,
			`DROP TABLE IF EXISTS transactions`,
			`DROP TABLE IF EXISTS categories`,
			`DROP TABLE IF EXISTS accounts`,
		},
	},
	migrations.Migration{
		Version:     2,
		Description: "Create activity log schema that will help track user activities and some error reporting",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS activity_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				log TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				is_error BOOLEAN DEFAULT FALSE
			)`,
		},
		Down: []string{`DROP TABLE IF EXISTS activity_logs`},
	},
	migrations.Migration{
		Version:     3,
		Description: "Remove updated_at in activity logs table",
		Up:          []string{`ALTER TABLE activity_logs DROP COLUMN updated_at`},
		Down:        []string{`ALTER TABLE activity_logs ADD COLUMN updated_at TIMESTAMP`},
	},
)
