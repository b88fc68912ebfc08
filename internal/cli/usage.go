package cli

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

func printUsage() {
	fmt.Println(`keyvouch - device-approved key release for browser plugins

A browser plugin only receives key material from the key-manager vault
after a human approves the request on a paired mobile device.

Usage:
  keyvouch coordinator            Start the pairing and challenge coordinator
  keyvouch keymanager             Start the key-manager vault server
  keyvouch version                Print version
  keyvouch help                   Show this help

Coordinator flags:
  --listen ADDR                   HTTP listen address (default :10800)
  --db PATH                       SQLite database path (default ./keyvouch.db)
  --public-url URL                Public base URL used in QR and callback links
  --biometric-url URL             Biometric validator base URL (empty disables identity proofs)
  --challenge-ttl DUR             Approval window for a challenge (default 2m)
  --pairing-ttl DUR               Validity window for a pairing QR session (default 2m)
  --log-level LEVEL               debug|info|warn|error (default info)

Key-manager flags:
  --listen ADDR                   HTTP listen address (default :10900)
  --db PATH                       SQLite vault database path (default ./keyvouch-vault.db)
  --coordinator-url URL           Coordinator base URL
  --log-level LEVEL               debug|info|warn|error (default info)

Environment Variables:
  KEYVOUCH_LISTEN                 Coordinator listen address
  KEYVOUCH_DB_PATH                Coordinator SQLite path
  KEYVOUCH_PUBLIC_URL             Coordinator public base URL
  KEYVOUCH_TOKEN_PEPPER           Session token hash pepper
  KEYVOUCH_BIOMETRIC_URL          Biometric validator base URL
  KEYVOUCH_BIOMETRIC_API_KEY      Shared key for the validator callback
  KEYVOUCH_BIOMETRIC_JWT_SECRET   HS256 secret for identity proof JWTs
  KEYVOUCH_LOG_LEVEL              Coordinator log level
  KEYVOUCH_KM_LISTEN              Key-manager listen address
  KEYVOUCH_KM_DB_PATH             Key-manager vault SQLite path
  KEYVOUCH_KM_COORDINATOR_URL     Coordinator base URL for the key-manager
  KEYVOUCH_KM_MASTER_KEY          64-hex vault master key
  KEYVOUCH_KM_LOG_LEVEL           Key-manager log level`)
}
