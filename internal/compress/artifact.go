package compress

import "strings"

// ArtifactKind is the stored form of a backup artifact.
type ArtifactKind string

const (
	KindSQL           ArtifactKind = "sql"
	KindCompressedSQL ArtifactKind = "compressed-sql"
	KindArchive       ArtifactKind = "archive"
	// KindCustom is a pg_dump custom-format file.
	KindCustom ArtifactKind = "custom"
	// KindDirectory is an unpacked directory-format dump.
	KindDirectory ArtifactKind = "directory"
)

const EncryptedExt = ".enc"

var algoByExt = map[string]Algorithm{
	".gz":  Gzip,
	".zst": Zstd,
	".lz4": Lz4,
}

// DetectArtifact classifies an artifact by its file name.
func DetectArtifact(name string) (kind ArtifactKind, algo Algorithm, encrypted bool) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, EncryptedExt) {
		encrypted = true
		lower = strings.TrimSuffix(lower, EncryptedExt)
	}

	algo = None
	if strings.HasSuffix(lower, ".tgz") {
		return KindArchive, Gzip, encrypted
	}
	for ext, a := range algoByExt {
		if strings.HasSuffix(lower, ext) {
			algo = a
			lower = strings.TrimSuffix(lower, ext)
			break
		}
	}

	switch {
	case strings.HasSuffix(lower, ".tar"):
		return KindArchive, algo, encrypted
	case strings.HasSuffix(lower, ".dump") && algo == None:
		return KindCustom, None, encrypted
	case algo != None:
		return KindCompressedSQL, algo, encrypted
	default:
		return KindSQL, None, encrypted
	}
}

// IsArtifact reports whether name looks like something a backup produced.
func IsArtifact(name string) bool {
	lower := strings.TrimSuffix(strings.ToLower(name), EncryptedExt)
	for ext := range algoByExt {
		lower = strings.TrimSuffix(lower, ext)
	}
	return strings.HasSuffix(lower, ".sql") ||
		strings.HasSuffix(lower, ".tar") ||
		strings.HasSuffix(lower, ".tgz") ||
		strings.HasSuffix(lower, ".dump")
}
