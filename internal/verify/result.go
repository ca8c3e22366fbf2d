package verify

const (
	ExitPass           = 0
	ExitMissing        = 10
	ExitSignatureFail  = 11
	ExitDigestMismatch = 12
	ExitDowngrade      = 13
	ExitFormatFail     = 14
)

type CheckResult struct {
	Scheme  string `json:"scheme"`
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

type SignerSummary struct {
	Scheme            string `json:"scheme"`
	Subject           string `json:"subject"`
	CertificateDigest string `json:"certificate_digest"`
	Algorithm         string `json:"algorithm"`
	MinSDK            int    `json:"min_sdk,omitempty"`
	MaxSDK            int    `json:"max_sdk,omitempty"`
	Lineage           int    `json:"lineage,omitempty"`
}

type Report struct {
	Passed     bool            `json:"passed"`
	ExitCode   int             `json:"exit_code"`
	Size       int64           `json:"size"`
	Verified   []string        `json:"verified"`
	Checks     []CheckResult   `json:"checks"`
	Violations []string        `json:"violations"`
	Signers    []SignerSummary `json:"signers"`
}
