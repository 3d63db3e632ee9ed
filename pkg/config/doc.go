/*
Package config defines the storage service configuration schema.

Configuration loads from YAML or JSON with unknown keys rejected, applies
documented defaults (file mode, 45s cache TTL, 30 day DynamoDB item TTL),
and validates cross-field requirements with error messages that name the
offending key. Per-namespace classification resolves from explicit
overrides first, then from the service mode: file mode keeps everything
local; agentcore and hybrid modes move sessions and transcripts to the
cloud while auth and config stay local.

AWS regions resolve from explicit configuration, then the AWS_REGION
environment variable, then the region embedded in the resource ARN.
*/
package config
