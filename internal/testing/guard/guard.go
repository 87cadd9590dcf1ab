package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("KANDANG_TEST_MODE") == "" {
			_ = os.Setenv("KANDANG_TEST_MODE", "1")
		}
	})
}
