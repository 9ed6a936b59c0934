// Package secret resolves secrets referenced from the messenger's
// configuration file, so API keys and tokens do not have to be stored in it.
//
// Every configured string goes through a Resolver:
//   - ${VAR} and $VAR are expanded from the environment and a missing
//     variable is an error ($$ is a literal dollar).
//   - secretref:<provider>:<ref> is replaced by the provider's value, either
//     as the whole value or inline ("Bearer secretref:env:SUPABASE_TOKEN").
//
// The env provider reads environment variables and the file provider reads
// files such as mounted Kubernetes or Docker secrets.
package secret
