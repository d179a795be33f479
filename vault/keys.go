package vault

// Storage keys within a user's namespace.
const (
	KeyBlob              = "vault_blob_v1"
	KeySentinel          = "vault_sentinel"
	KeyEncrypted         = "vault_encrypted"
	KeyMigrationComplete = "vault_migration_complete"
	KeyProfile           = "vault_profile"
)

// Associated data binding each envelope to its slot.
const (
	AADRoot     = "vault:root"
	AADSentinel = "vault:sentinel"
)

// Reserved names inside the decrypted root payload.
const (
	fieldMetaKey = "_fieldMeta"
	// LegacyPrefixesField collects migrated keys that matched a legacy prefix.
	LegacyPrefixesField = "legacyPrefixes"
)

// LegacyKeys are the plaintext keys absorbed into the vault on first unlock.
var LegacyKeys = []string{
	"moneyProfile",
	"liveBudgetTransactions",
	"financialHealthScore",
	"debtCashForm",
	"payPeriodPlans",
	"payPeriodLatestPlanId",
}

// LegacyPrefixes match historical snapshot keys.
var LegacyPrefixes = []string{
	"periodHistory_",
	"periodHistoryIndex_",
	"monthlyHistory_",
	"monthlyHistoryIndex_",
}

// IsManagedKey reports whether key is stored inside the vault once migrated.
func IsManagedKey(key string) bool {
	for _, k := range LegacyKeys {
		if k == key {
			return true
		}
	}
	return false
}
