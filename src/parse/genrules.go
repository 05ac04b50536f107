package parse

// Static tables of the attributes every rule accepts implicitly, mirroring
// the generated native rule signatures. User-defined rules may not shadow
// any of these.

var implicitRequiredAttrs = []string{"name"}

var implicitOptionalAttrs = []string{
	"licenses",
	"labels",
	"visibility",
	"within_view",
}

var implicitRequiredTestAttrs = implicitRequiredAttrs

var implicitOptionalTestAttrs = append([]string{
	"contacts",
	"test_timeout_ms",
}, implicitOptionalAttrs...)

// nativeRuleNames is the set of built-in rule functions exposed to build
// files (and always to the native namespace).
var nativeRuleNames = []string{
	"android_library",
	"cxx_binary",
	"cxx_library",
	"cxx_test",
	"export_file",
	"filegroup",
	"genrule",
	"go_binary",
	"go_library",
	"go_test",
	"java_binary",
	"java_library",
	"java_test",
	"prebuilt_jar",
	"python_binary",
	"python_library",
	"python_test",
	"remote_file",
	"sh_binary",
	"sh_test",
}
