// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

// ProgramConfig is the top-level JSON configuration file shape, mirroring
// cmd/cc-backend/main.go's own ProgramConfig: a single flat struct with
// sensible defaults, decoded with DisallowUnknownFields so typos in a
// deployed config.json fail loudly instead of silently.
type ProgramConfig struct {
	// Addr is where the admin HTTP API listens (e.g. "localhost:8080").
	Addr string `json:"addr"`

	// QueueCapacity bounds the dispatcher's intake channel.
	QueueCapacity int `json:"queue_capacity"`

	// CatalogDB is the sqlite3 database file backing internal/catalog.
	CatalogDB string `json:"catalog_db"`

	// ArchiveDir, if set, is a local directory backend for rotated
	// .ckmon files (internal/archive.FSBackend). Mutually exclusive in
	// practice with ArchiveS3, though both can be populated; S3 wins
	// when ArchiveS3.Bucket is non-empty.
	ArchiveDir string `json:"archive_dir"`

	ArchiveS3 struct {
		Endpoint     string `json:"endpoint"`
		Bucket       string `json:"bucket"`
		Prefix       string `json:"prefix"`
		AccessKey    string `json:"access_key"`
		SecretKey    string `json:"secret_key"`
		Region       string `json:"region"`
		UsePathStyle bool   `json:"use_path_style"`
	} `json:"archive_s3"`

	// AdminJWTSecretEnv names the environment variable holding the HS256
	// secret the admin API validates bearer tokens against (never stored
	// in config.json itself, loaded via .env/godotenv instead).
	AdminJWTSecretEnv string `json:"admin_jwt_secret_env"`
}

var programConfig = ProgramConfig{
	Addr:              ":8080",
	QueueCapacity:     4096,
	CatalogDB:         "./var/catalog.db",
	ArchiveDir:        "./var/archive",
	AdminJWTSecretEnv: "PUMP_ADMIN_JWT_SECRET",
}
