// Package integrity builds and verifies the SHA-256 manifest of the
// protected file tree.
//
// The manifest is a text file with one "<hex digest>  <relative path>" line
// per protected file, sorted by path, so it can be cross-checked with
// `sha256sum -c` from the project root.
//
// Example usage:
//
//	m, err := integrity.Build("/opt/app", []string{".git", "logs", "manifest.sha256"})
//	if err != nil {
//		return err
//	}
//	if err := integrity.WriteFile("/opt/app/manifest.sha256", m); err != nil {
//		return err
//	}
//
//	res := integrity.Verify(m, "/opt/app", integrity.VerifyOptions{Exclude: excludes})
//	if !res.OK {
//		fmt.Println(res.FailedPaths())
//	}
package integrity
