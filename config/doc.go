// Package config loads the messenger configuration file.
//
// The file is TOML. String values go through a secret.Resolver, so they may
// use ${VAR} expansion or secretref:env:NAME and secretref:file:path
// references. Durations are written as strings such as "750ms".
//
// Library packages keep their own config structs with defaults applied in
// their constructors; this package only maps the file onto them.
package config
