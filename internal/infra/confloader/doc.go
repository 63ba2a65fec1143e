// Package confloader loads configuration with koanf.
//
// Sources are layered, later ones winning:
//
//  1. defaults (WithDefaults)
//  2. the YAML file (WithConfigFile)
//  3. environment variables with the VMSNAP_ prefix
//
// An environment variable names its key with underscores in place of
// dots. Keys that contain underscores themselves (storage.data_dir) are
// matched against the keys the defaults and the file already define, so
// VMSNAP_STORAGE_DATA_DIR sets storage.data_dir rather than
// storage.data.dir.
//
// Watcher follows the config file with fsnotify and calls back after it
// settles; the server uses it to apply log.level without a restart.
package confloader
